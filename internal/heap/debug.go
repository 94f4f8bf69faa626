package heap

import (
	"fmt"
	"os"
)

var debugAdd = os.Getenv("BOOTHEAP_DEBUG_ADD") != ""

func tracef(format string, args ...any) {
	if debugAdd {
		fmt.Fprintf(os.Stderr, "heap: "+format+"\n", args...)
	}
}
