package migration

import "github.com/aptpod/qpath-go/netpath"

var BuildPacket = buildPacket

func (c *Connection) Table() *netpath.Table {
	return c.table
}
