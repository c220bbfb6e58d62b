package starnet

// sim.go is the boundary to the simulation collaborator.  The collaborator instantiates a
// topology, accepts the sessions of a traffic plan, runs to completion and hands back one
// FlowRecord per observed flow.  Nothing here depends on how it models time beyond
// FirstTx and LastRx being simulation seconds of one run.

import (
	"iter"
)

// Simulator creates instances of a network
type Simulator interface {
	Instantiate(topo *Topology, book *AddressBook) (Instance, error)
}

// Instance is one instantiated network.  Run is called once, after AttachTraffic,
// and is not interrupted.  After Teardown every method returns ErrTornDown.
type Instance interface {
	AttachTraffic(sessions iter.Seq[Session]) error
	Run(duration float64) error
	FlowRecords() ([]FlowRecord, error)
	Teardown() error
}

// Simulate drives one instance through its whole life: instantiate, attach the plan's
// sessions, run for the plan's duration, collect the flow records and tear down.
func Simulate(sim Simulator, topo *Topology, book *AddressBook, plan *TrafficPlan) (records []FlowRecord, err error) {
	inst, err := sim.Instantiate(topo, book)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = ReportErrs([]error{err, inst.Teardown()})
	}()

	if err = inst.AttachTraffic(plan.Sessions()); err != nil {
		return nil, err
	}
	if err = inst.Run(plan.Params().RunDuration); err != nil {
		return nil, err
	}
	return inst.FlowRecords()
}
