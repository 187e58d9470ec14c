package cache

const ReconcileLockKey = "lock:reconcile"

func ChildContextKey(childID string) string { return "child:" + childID + ":context" }
