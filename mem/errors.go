package mem

import "errors"

var (
	// ErrCapacity indicates the backend has no pages left to satisfy the
	// request. The caller's handle is left empty.
	ErrCapacity = errors.New("mem: allocator capacity exhausted")

	// ErrUsageLimit indicates a usage tracker's maximum would be exceeded.
	// The reservation is rolled back before the error is returned.
	ErrUsageLimit = errors.New("mem: memory usage limit exceeded")

	// ErrMapFailed indicates mmap or madvise failed, for real or through
	// injection. Partial state is rolled back; collateral stays consumed.
	ErrMapFailed = errors.New("mem: virtual memory operation failed")

	// ErrArenaFull indicates no free interval in an Arena is large enough.
	ErrArenaFull = errors.New("mem: no arena interval large enough")
)
