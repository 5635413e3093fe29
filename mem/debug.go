package mem

import (
	"fmt"
	"os"
)

// Runtime debug flag for allocation logging - controlled by MEMKIT_LOG_ALLOC
// env var.
var logAlloc = os.Getenv("MEMKIT_LOG_ALLOC") != ""

func debugLogf(format string, args ...any) {
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[mem] "+format+"\n", args...)
	}
}
