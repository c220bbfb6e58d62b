package starnet

// starnet.go has code that builds the data structures of an experiment from its ExpCfg:
// the topology parameters with every ExpParameter applied, the topology itself, its
// address book, and the traffic plan.

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/iti/starnet/internal/logger"
)

// paramValue is the string encoding of an ExpParameter value, decoded only when
// the parameter it is assigned to says which kind it must be
type paramValue string

// number decodes a real value
func (pv paramValue) number(param string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(string(pv)), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0.0, fmt.Errorf("parameter %s: %q is not a number", param, string(pv))
	}
	return value, nil
}

// integer decodes a whole number, accepting forms like "1e6" that have no fraction.
// Magnitudes past 2^53, where floats skip integers, are refused.
func (pv paramValue) integer(param string) (int64, error) {
	value, err := pv.number(param)
	if err != nil {
		return 0, err
	}
	if value != math.Trunc(value) || math.Abs(value) > 1<<53 {
		return 0, fmt.Errorf("parameter %s: %q is not an integer", param, string(pv))
	}
	return int64(value), nil
}

// word decodes a name, refusing anything that reads as a number
func (pv paramValue) word(param string) (string, error) {
	value := strings.TrimSpace(string(pv))
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return "", fmt.Errorf("parameter %s: %q is a number, not a name", param, string(pv))
	}
	return value, nil
}

// reorderExpParams is used to put the ExpParameter parameters in
// an order such that the earlier elements in the order have broader
// range of attributes than later ones that apply to the same configuration element.
// Wildcards come first, then tier classes, then single named links.  Duplicates are removed.
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	wc := []ExpParameter{}
	sg := []ExpParameter{}
	nm := []ExpParameter{}

	for _, param := range pL {
		kind, _ := param.attrbParts()
		switch kind {
		case "*":
			wc = append(wc, param)
		case "name":
			nm = append(nm, param)
		default:
			sg = append(sg, param)
		}
	}

	// within a class order by (ParamObj, Attribute, Param); values of identical keys keep
	// their input order so the last one given wins
	byKey := func(pl []ExpParameter) func(i, j int) bool {
		return func(i, j int) bool {
			if pl[i].ParamObj != pl[j].ParamObj {
				return pl[i].ParamObj < pl[j].ParamObj
			}
			if pl[i].Attribute != pl[j].Attribute {
				return pl[i].Attribute < pl[j].Attribute
			}
			return pl[i].Param < pl[j].Param
		}
	}
	sort.SliceStable(wc, byKey(wc))
	sort.SliceStable(sg, byKey(sg))
	sort.SliceStable(nm, byKey(nm))

	// pull them together with wc first, followed by sg, and finally nm
	wc = append(wc, sg...)
	wc = append(wc, nm...)

	// get rid of duplicates
	for idx := len(wc) - 1; idx > 0; idx = idx - 1 {
		if wc[idx].Eq(&wc[idx-1]) {
			wc = append(wc[:idx], wc[(idx+1):]...)
		}
	}

	return wc
}

// setLinkParam assigns one parameter value to a LinkParams.  lp is unchanged when the
// value does not decode to the parameter's kind.
func setLinkParam(lp *LinkParams, param string, value paramValue) error {
	switch param {
	case "rate", "latency", "queue":
	default:
		return fmt.Errorf("link parameter %s not recognized", param)
	}
	n, err := value.integer(param)
	if err != nil {
		return err
	}
	switch param {
	case "rate":
		lp.Rate = n
	case "latency":
		lp.Latency = int(n)
	case "queue":
		lp.QueueLength = int(n)
	}
	return nil
}

// setSessionParam assigns one parameter value to a SessionParams.  sp is unchanged
// when the value does not decode to the parameter's kind.
func setSessionParam(sp *SessionParams, param string, value paramValue) error {
	var err error
	switch param {
	case "start":
		sp.Start, err = assignNumber(sp.Start, param, value)
	case "stop":
		sp.Stop, err = assignNumber(sp.Stop, param, value)
	case "ontime":
		sp.OnTime, err = assignNumber(sp.OnTime, param, value)
	case "offtime":
		sp.OffTime, err = assignNumber(sp.OffTime, param, value)
	case "rate":
		var rate int64
		if rate, err = value.integer(param); err == nil {
			sp.Rate = rate
		}
	case "packetsize":
		var size int64
		if size, err = value.integer(param); err == nil {
			sp.PacketSize = int(size)
		}
	case "dist":
		var dist string
		if dist, err = value.word(param); err == nil {
			sp.Dist = dist
		}
	default:
		err = fmt.Errorf("session parameter %s not recognized", param)
	}
	return err
}

// assignNumber returns the decoded value, or current along with the decoding error
func assignNumber(current float64, param string, value paramValue) (float64, error) {
	n, err := value.number(param)
	if err != nil {
		return current, err
	}
	return n, nil
}

// TopoParams converts the configuration into topology parameters, applying every
// Link ExpParameter in broadest-first order
func (expcfg *ExpCfg) TopoParams() (TopoParams, error) {
	shape, err := ParseShape(expcfg.Shape)
	if err != nil {
		return TopoParams{}, err
	}
	tp := TopoParams{
		Name:          fmt.Sprintf("%s-d%d-u%d", expcfg.Name, expcfg.Downloaders, expcfg.Uploaders),
		Shape:         shape,
		Downloaders:   expcfg.Downloaders,
		Uploaders:     expcfg.Uploaders,
		Core:          expcfg.Core,
		Download:      expcfg.Download,
		Upload:        expcfg.Upload,
		LinkOverrides: make(map[LinkKey]LinkParams),
	}
	if expcfg.Loss != nil {
		loss := *expcfg.Loss
		tp.Loss = &loss
	}
	if len(expcfg.Bottleneck) > 0 {
		key, err := ParseLinkKey(expcfg.Bottleneck)
		if err != nil {
			return TopoParams{}, err
		}
		tp.Bottleneck = &key
	}

	tierParams := map[string]*LinkParams{"core": &tp.Core, "download": &tp.Download, "upload": &tp.Upload}

	errs := []error{}
	for _, ep := range reorderExpParams(expcfg.Parameters) {
		if ep.ParamObj != "Link" {
			continue
		}
		value := paramValue(ep.Value)
		kind, attrb := ep.attrbParts()
		switch kind {
		case "*":
			// a bad value fails alike for every tier, report it once
			for _, lp := range tierParams {
				if err := setLinkParam(lp, ep.Param, value); err != nil {
					errs = append(errs, err)
					break
				}
			}
		case "tier":
			lp, present := tierParams[attrb]
			if !present {
				errs = append(errs, fmt.Errorf("link tier %s not recognized", attrb))
				continue
			}
			errs = append(errs, setLinkParam(lp, ep.Param, value))
		case "name":
			key, err := ParseLinkKey(attrb)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			// a named link starts from its tier's parameters
			lp, present := tp.LinkOverrides[key]
			if !present {
				lp = *tierParams[tierClass(key)]
			}
			errs = append(errs, setLinkParam(&lp, ep.Param, value))
			tp.LinkOverrides[key] = lp
		default:
			errs = append(errs, fmt.Errorf("parameter attribute %s not recognized", ep.Attribute))
		}
	}

	return tp, ReportErrs(errs)
}

// tierClass names the parameter class of a link key
func tierClass(key LinkKey) string {
	switch key.Tier {
	case TierDownloader:
		return "download"
	case TierUploader:
		return "upload"
	}
	return "core"
}

// PlanParams converts the configuration into traffic plan parameters, applying every
// Session ExpParameter in broadest-first order
func (expcfg *ExpCfg) PlanParams() (PlanParams, error) {
	pp := expcfg.Traffic
	sessionParams := map[string]*SessionParams{"download": &pp.Download, "upload": &pp.Upload}

	errs := []error{}
	for _, ep := range reorderExpParams(expcfg.Parameters) {
		if ep.ParamObj != "Session" {
			continue
		}
		value := paramValue(ep.Value)
		kind, attrb := ep.attrbParts()
		switch kind {
		case "*":
			for _, sp := range sessionParams {
				if err := setSessionParam(sp, ep.Param, value); err != nil {
					errs = append(errs, err)
					break
				}
			}
		case "tier":
			sp, present := sessionParams[attrb]
			if !present {
				errs = append(errs, fmt.Errorf("session tier %s not recognized", attrb))
				continue
			}
			errs = append(errs, setSessionParam(sp, ep.Param, value))
		default:
			errs = append(errs, fmt.Errorf("parameter attribute %s not recognized", ep.Attribute))
		}
	}
	return pp, ReportErrs(errs)
}

// Experiment is one fully built configuration: topology, addresses and plan
type Experiment struct {
	Cfg  *ExpCfg
	Topo *Topology
	Book *AddressBook
	Plan *TrafficPlan
}

// BuildExperiment is called from the code that creates and runs a simulation.  It builds
// the topology, assigns its subnets and plans its traffic.  Every call starts from node id
// zero and address index zero.
func BuildExperiment(expcfg *ExpCfg) (*Experiment, error) {
	tp, err := expcfg.TopoParams()
	if err != nil {
		return nil, err
	}
	pp, err := expcfg.PlanParams()
	if err != nil {
		return nil, err
	}

	topo, err := BuildTopology(tp)
	if err != nil {
		return nil, err
	}
	book, err := AssignSubnets(topo, expcfg.Addrs)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(topo, book, pp)
	if err != nil {
		return nil, err
	}

	logger.CfgLog.Debugf("experiment %q built: %d nodes, %d links, %d sessions",
		topo.Name, len(topo.Nodes), len(topo.Links), plan.Len())

	return &Experiment{Cfg: expcfg, Topo: topo, Book: book, Plan: plan}, nil
}

// Run simulates the experiment once and summarizes the flows with a classifier
// built from the experiment's own address book
func (exp *Experiment) Run(sim Simulator) (*Report, error) {
	records, err := Simulate(sim, exp.Topo, exp.Book, exp.Plan)
	if err != nil {
		return nil, err
	}
	rprt := Summarize(records, NewAddressClassifier(exp.Topo, exp.Book))
	rprt.Name = exp.Topo.Name
	return rprt, nil
}

// Describe returns the serializable description of the experiment's topology and addresses
func (exp *Experiment) Describe() TopoDesc {
	return exp.Topo.Transform(exp.Book)
}
