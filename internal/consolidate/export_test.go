package consolidate

// LockCount exposes the number of tracked scope locks to external tests.
var LockCount = (*Engine).lockCount
