package registry

// keyspace formats the registry keys of one namespace.
//
//	{ns}:{id}:alive  lease, string with TTL
//	{ns}:{id}:count  authorized connection counter
//	{ns}:fm:{id}     hash of id, ip, port
//	{ns}:fms         set of known front machine ids
type keyspace struct {
	ns string
}

func (k keyspace) alive(id string) string { return k.ns + ":" + id + ":alive" }
func (k keyspace) count(id string) string { return k.ns + ":" + id + ":count" }
func (k keyspace) fm(id string) string    { return k.ns + ":fm:" + id }
func (k keyspace) fms() string            { return k.ns + ":fms" }
