package destination

import (
	"bytes"
	"fmt"
	"time"
)

// frameSyslog wraps line in an RFC 5424 envelope (PRI=30, i.e. facility
// daemon/severity info; APP-NAME "carbon-c-relay"; MSG the line itself),
// for destinations configured with `type syslog` (spec §6, supplemented
// feature #5). This is an egress transform: the destination's peer expects
// syslog-framed input, most commonly another relay hop or a log collector.
func frameSyslog(line []byte) []byte {
	msg := bytes.TrimRight(line, "\n\r")
	ts := time.Now().UTC().Format(time.RFC3339)
	return []byte(fmt.Sprintf("<30>1 %s - carbon-c-relay - - - %s\n", ts, msg))
}
