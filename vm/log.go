package vm

import (
	"github.com/tliron/commonlog"
)

var (
	log    = commonlog.GetLogger("moca.vm")
	jitLog = commonlog.GetLogger("moca.jit")
	gcLog  = commonlog.GetLogger("moca.gc")
)
