package cluster

import "github.com/graphite-ng/carbon-relay-ng/destination"

// FileCluster is the `file` / `file-ip` cluster kind (SPEC_FULL.md
// supplemented feature #1): it writes every matched line to one or more
// local files instead of forwarding to a server. Writes are synchronous and
// local, so Apply never produces a PendingSend -- there is nothing for the
// dispatcher's backpressure loop to retry.
type FileCluster struct {
	name  string
	Dests []*destination.FileDestination
}

func NewFile(name string, dests []*destination.FileDestination) *FileCluster {
	return &FileCluster{name: name, Dests: dests}
}

func (c *FileCluster) Name() string { return c.name }
func (c *FileCluster) Kind() string { return "file" }
func (c *FileCluster) Apply(ctx *Context) []PendingSend {
	line := formatLine(ctx, false)
	for _, d := range c.Dests {
		d.Write(ctx.SrcAddr, line)
	}
	return nil
}
