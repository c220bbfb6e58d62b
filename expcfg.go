package starnet

// expcfg.go describes an experiment: the shape and size of the star, per-tier link and
// traffic parameters, the address templates, the loss model, and how many trials to run
// over which client counts.  Beyond the per-tier values, an ExpCfg carries a list of
// ExpParameters, each of which assigns one value to every link or session class matching
// its attribute.

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// An ExpParameter struct describes an input to experiment configuration at run-time. It specifies
//   - ParamObj identifies the kind of thing being configured : Link or Session
//   - Attribute identifies the objects of that type to which the parameter applies.
//     May be "*" for a wild-card, "tier%%xx" where "xx" is a tier class, or
//     "name%%xx" where "xx" names a single link, e.g. "name%%downloader[3]"
//   - Param is the parameter being set, Value its string-encoded value
type ExpParameter struct {
	// Type of thing being configured
	ParamObj string `json:"paramObj" yaml:"paramObj"`

	// attribute identifier for this parameter
	Attribute string `json:"attribute" yaml:"attribute"`

	// ParameterType, e.g., "rate", "latency", "queue"
	Param string `json:"param" yaml:"param"`

	// string-encoded value associated with type
	Value string `json:"value" yaml:"value"`
}

// CreateExpParameter is a constructor.  Completely fills in the struct with the [ExpParameter] attributes.
func CreateExpParameter(paramObj, attribute, param, value string) *ExpParameter {
	return &ExpParameter{ParamObj: paramObj, Attribute: attribute, Param: param, Value: value}
}

// Eq is true when the two parameters are identical in every field
func (ep *ExpParameter) Eq(other *ExpParameter) bool {
	return *ep == *other
}

// attrbParts splits an attribute into its kind ("*", "tier", "name") and value
func (ep *ExpParameter) attrbParts() (string, string) {
	if ep.Attribute == "*" {
		return "*", ""
	}
	kind, value, found := strings.Cut(ep.Attribute, "%%")
	if !found {
		return "", ep.Attribute
	}
	return kind, value
}

// ExpParamObjs, ExpAttributes, and ExpParams describe the objects an ExpParameter can
// configure, the tier classes each can be selected by, and the parameters each accepts
var (
	ExpParamObjs  = []string{"Link", "Session"}
	ExpAttributes = map[string][]string{
		"Link":    {"core", "download", "upload"},
		"Session": {"download", "upload"},
	}
	ExpParams = map[string][]string{
		"Link":    {"rate", "latency", "queue"},
		"Session": {"start", "stop", "rate", "packetsize", "ontime", "offtime", "dist"},
	}
)

// ValidateParameter returns an error if the paramObj, attribute, and param values don't
// make sense taken together within an ExpParameter.
func ValidateParameter(paramObj, attribute, param string) error {
	// the paramObj string has to be recognized as one of the permitted ones
	if !slices.Contains(ExpParamObjs, paramObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", paramObj)
	}

	ep := ExpParameter{ParamObj: paramObj, Attribute: attribute, Param: param}
	kind, value := ep.attrbParts()
	switch kind {
	case "*":
	case "tier":
		if !slices.Contains(ExpAttributes[paramObj], value) {
			return fmt.Errorf("parameter attribute %s is not recognized for paramObj %s", attribute, paramObj)
		}
	case "name":
		// only links are named individually
		if paramObj != "Link" {
			return fmt.Errorf("parameter attribute %s is not recognized for paramObj %s", attribute, paramObj)
		}
		if _, err := ParseLinkKey(value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("parameter attribute %s is not recognized for paramObj %s", attribute, paramObj)
	}

	// make sure the type of param is consistent with the paramObj
	if !slices.Contains(ExpParams[paramObj], param) {
		return fmt.Errorf("parameter %s is not recognized for paramObj %s", param, paramObj)
	}

	return nil
}

// SweepRange is the grid of client counts a sweep runs over, bounds inclusive
type SweepRange struct {
	DMin int `json:"dmin" yaml:"dmin"`
	DMax int `json:"dmax" yaml:"dmax"`
	UMin int `json:"umin" yaml:"umin"`
	UMax int `json:"umax" yaml:"umax"`

	// Step between successive counts, 1 when zero
	Step int `json:"step,omitempty" yaml:"step,omitempty"`
}

// Points lists the (downloaders, uploaders) pairs of the grid, downloaders varying slowest
func (sr SweepRange) Points() [][2]int {
	step := sr.Step
	if step < 1 {
		step = 1
	}
	rtn := [][2]int{}
	for d := sr.DMin; d <= sr.DMax; d += step {
		for u := sr.UMin; u <= sr.UMax; u += step {
			rtn = append(rtn, [2]int{d, u})
		}
	}
	return rtn
}

func (sr SweepRange) validate() error {
	if sr.DMin < 0 || sr.UMin < 0 || sr.DMin > sr.DMax || sr.UMin > sr.UMax {
		return fmt.Errorf("sweep range d [%d,%d] u [%d,%d] is empty or negative", sr.DMin, sr.DMax, sr.UMin, sr.UMax)
	}
	return nil
}

// An ExpCfg structure holds everything needed to build and run a named experiment
type ExpCfg struct {
	// Name labels the experiment, its topologies and its random streams
	Name string `json:"expname" yaml:"expname"`

	Shape       string `json:"shape" yaml:"shape"`
	Downloaders int    `json:"downloaders" yaml:"downloaders"`
	Uploaders   int    `json:"uploaders" yaml:"uploaders"`

	// per-tier link parameters
	Core     LinkParams `json:"core" yaml:"core"`
	Download LinkParams `json:"download" yaml:"download"`
	Upload   LinkParams `json:"upload" yaml:"upload"`

	// Loss is attached to Bottleneck, a link key such as "core" or "downloader[0]"
	Loss       *LossModel `json:"loss,omitempty" yaml:"loss,omitempty"`
	Bottleneck string     `json:"bottleneck,omitempty" yaml:"bottleneck,omitempty"`

	Addrs   AddrPlan   `json:"addrs" yaml:"addrs"`
	Traffic PlanParams `json:"traffic" yaml:"traffic"`

	// Trials is the number of independent runs per configuration, Workers the
	// number of them run at once
	Trials  int `json:"trials" yaml:"trials"`
	Workers int `json:"workers" yaml:"workers"`

	// Seed, when non-zero, resets the random streams before the trials are created,
	// making a run repeatable within one process
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	Sweep *SweepRange `json:"sweep,omitempty" yaml:"sweep,omitempty"`

	// Parameters is applied after the per-tier values, broadest attribute first
	Parameters []ExpParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// CreateExpCfg is a constructor.  The experiment starts from the defaults of the
// experiment scripts: flat star, 5 downloaders and 5 uploaders, one trial.
func CreateExpCfg(name string) *ExpCfg {
	tp := DefaultTopoParams()
	return &ExpCfg{
		Name:        name,
		Shape:       tp.Shape.String(),
		Downloaders: tp.Downloaders,
		Uploaders:   tp.Uploaders,
		Core:        tp.Core,
		Download:    tp.Download,
		Upload:      tp.Upload,
		Addrs:       DefaultAddrPlan(),
		Traffic:     DefaultPlanParams(),
		Trials:      1,
		Workers:     1,
		Parameters:  make([]ExpParameter, 0),
	}
}

// AddParameter accepts the four values in an ExpParameter, creates one, and adds to the ExpCfg's list.
// Returns an error if the parameters are not validated.
func (expcfg *ExpCfg) AddParameter(paramObj, attribute, param, value string) error {
	err := ValidateParameter(paramObj, attribute, param)
	if err != nil {
		return err
	}

	expcfg.Parameters = append(expcfg.Parameters, *CreateExpParameter(paramObj, attribute, param, value))
	return nil
}

// WithCounts returns a copy of the configuration with the given client counts
func (expcfg *ExpCfg) WithCounts(downloaders, uploaders int) *ExpCfg {
	cpy := *expcfg
	cpy.Downloaders = downloaders
	cpy.Uploaders = uploaders
	cpy.Parameters = slices.Clone(expcfg.Parameters)
	return &cpy
}

// Validate checks the parts of the configuration not checked by the builders
func (expcfg *ExpCfg) Validate() error {
	errs := []error{}
	if _, err := ParseShape(expcfg.Shape); err != nil {
		errs = append(errs, err)
	}
	if expcfg.Trials < 1 {
		errs = append(errs, fmt.Errorf("trial count %d must be at least 1", expcfg.Trials))
	}
	if len(expcfg.Bottleneck) > 0 {
		if _, err := ParseLinkKey(expcfg.Bottleneck); err != nil {
			errs = append(errs, err)
		}
	}
	for _, tmpl := range []string{expcfg.Addrs.Core, expcfg.Addrs.Download, expcfg.Addrs.Upload} {
		if len(tmpl) == 0 {
			continue
		}
		if _, err := Capacity(tmpl); err != nil {
			errs = append(errs, err)
		}
	}
	if expcfg.Sweep != nil {
		if err := expcfg.Sweep.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ep := range expcfg.Parameters {
		if err := ValidateParameter(ep.ParamObj, ep.Attribute, ep.Param); err != nil {
			errs = append(errs, err)
		}
	}
	return ReportErrs(errs)
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (expcfg *ExpCfg) WriteToFile(filename string) error {
	return writeDesc(filename, expcfg)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  Fields the file leaves out keep the values CreateExpCfg gives them.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	expcfg := CreateExpCfg("")
	if err := readDesc(filename, useYAML, dict, expcfg); err != nil {
		return nil, err
	}
	return expcfg, nil
}
