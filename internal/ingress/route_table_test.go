package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTable_LookupMatchesHostnameOnTLSPassthroughPort(t *testing.T) {
	table := NewRouteTable()
	table.Replace([]Route{
		{RouteID: "rt_1", Hostname: "a.example.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough},
		{RouteID: "rt_2", Hostname: "b.example.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough},
	}, 1)

	route, ok := table.Lookup(443, "a.example.com")
	require.True(t, ok)
	assert.Equal(t, "rt_1", route.RouteID)

	route, ok = table.Lookup(443, "b.example.com")
	require.True(t, ok)
	assert.Equal(t, "rt_2", route.RouteID)
}

func TestRouteTable_LookupFallsThroughToTCPRawOnUnmatchedSNI(t *testing.T) {
	table := NewRouteTable()
	table.Replace([]Route{
		{RouteID: "rt_tls", Hostname: "a.example.com", ListenPort: 5000, ProtocolHint: ProtocolTLSPassthrough},
		{RouteID: "rt_raw", ListenPort: 5000, ProtocolHint: ProtocolTCPRaw},
	}, 1)

	route, ok := table.Lookup(5000, "unknown.example.com")
	require.True(t, ok)
	assert.Equal(t, "rt_raw", route.RouteID)

	route, ok = table.Lookup(5000, "")
	require.True(t, ok)
	assert.Equal(t, "rt_raw", route.RouteID)
}

func TestRouteTable_LookupUnknownPortReturnsFalse(t *testing.T) {
	table := NewRouteTable()
	table.Replace([]Route{{RouteID: "rt_1", Hostname: "a.example.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough}}, 1)

	_, ok := table.Lookup(9999, "a.example.com")
	assert.False(t, ok)
}

func TestRouteTable_ReplaceIsAtomicAcrossReaders(t *testing.T) {
	table := NewRouteTable()
	table.Replace([]Route{{RouteID: "rt_old", Hostname: "old.example.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough}}, 1)

	table.Replace([]Route{{RouteID: "rt_new", Hostname: "new.example.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough}}, 2)

	_, ok := table.Lookup(443, "old.example.com")
	assert.False(t, ok, "replaced table should no longer serve the old route")

	route, ok := table.Lookup(443, "new.example.com")
	require.True(t, ok)
	assert.Equal(t, "rt_new", route.RouteID)
	assert.Equal(t, int64(2), table.Cursor())
}

func TestRouteTable_PortsReturnsEveryDistinctListenPort(t *testing.T) {
	table := NewRouteTable()
	table.Replace([]Route{
		{RouteID: "rt_1", Hostname: "a.example.com", ListenPort: 443, ProtocolHint: ProtocolTLSPassthrough},
		{RouteID: "rt_2", ListenPort: 5432, ProtocolHint: ProtocolTCPRaw},
	}, 1)

	ports := table.Ports()
	assert.ElementsMatch(t, []int{443, 5432}, ports)
}
