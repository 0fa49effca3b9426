// Package contract validates the message topology between cells.
//
// Every cell declares the topics it emits and the topics it consumes. Before
// the event bridge accepts its first publish, EnforceTopology checks that
// every consumed topic has at least one emitter. A violation is a bring-up
// failure, not a runtime one: there is no compiler to check a message
// topology, so this check stands in for one.
//
// Basic usage:
//
//	reg := contract.NewRegistry()
//	reg.Register(contract.Contract{CellID: "sales", Emits: []string{"sales.order.created"}})
//	reg.Register(contract.Contract{CellID: "inventory", Consumes: []string{"sales.order.created"}})
//	if err := reg.EnforceTopology(); err != nil {
//	    log.Fatal(err)
//	}
//	bridge := event.NewBridge(event.BridgeConfig{}, event.WithGate(reg))
//
// Contracts may also be loaded from a YAML manifest with LoadManifests.
package contract
