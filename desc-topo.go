package starnet

// desc-topo.go holds the serializable description of a built topology and its addresses,
// a dictionary of such descriptions, and the helpers that write and read every serialized
// structure of the package.  Serialization to json or to yaml is selected by the extension
// of the file name.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeDesc describes one node and the addresses of its interfaces
type NodeDesc struct {
	ID    int      `json:"id" yaml:"id"`
	Name  string   `json:"name" yaml:"name"`
	Tier  string   `json:"tier" yaml:"tier"`
	Index int      `json:"index" yaml:"index"`
	Addrs []string `json:"addrs,omitempty" yaml:"addrs,omitempty"`
}

// LinkDesc describes one link.  Subnet is empty when the description was made
// without an address book.
type LinkDesc struct {
	ID     int        `json:"id" yaml:"id"`
	Key    string     `json:"key" yaml:"key"`
	A      int        `json:"a" yaml:"a"`
	B      int        `json:"b" yaml:"b"`
	Params LinkParams `json:"params" yaml:"params"`
	Subnet string     `json:"subnet,omitempty" yaml:"subnet,omitempty"`
}

// TopoDesc is the serializable form of a Topology
type TopoDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Shape string     `json:"shape" yaml:"shape"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// Transform creates the description of the topology.  When book is not nil the
// subnet of every link and the addresses of every node are included.
func (topo *Topology) Transform(book *AddressBook) TopoDesc {
	td := TopoDesc{Name: topo.Name, Shape: topo.Shape.String()}

	td.Nodes = make([]NodeDesc, 0, len(topo.Nodes))
	for _, node := range topo.Nodes {
		nd := NodeDesc{ID: int(node.ID), Name: node.Name(), Tier: node.Tier.String(), Index: node.Index}
		if book != nil {
			for _, intrfc := range book.Interfaces(topo, node.ID) {
				nd.Addrs = append(nd.Addrs, intrfc.Addr.String())
			}
		}
		td.Nodes = append(td.Nodes, nd)
	}

	td.Links = make([]LinkDesc, 0, len(topo.Links))
	for _, lnk := range topo.Links {
		ld := LinkDesc{ID: int(lnk.ID), Key: lnk.Key.String(), A: int(lnk.A), B: int(lnk.B), Params: lnk.Params}
		if book != nil {
			if subnet, present := book.Subnet(lnk.ID); present {
				ld.Subnet = subnet.String()
			}
		}
		td.Links = append(td.Links, ld)
	}

	return td
}

// Validate checks that a description, perhaps read from a file, names known tiers
// and link keys and that links join described nodes
func (td *TopoDesc) Validate() error {
	errs := []error{}
	if _, err := ParseShape(td.Shape); err != nil {
		errs = append(errs, err)
	}
	ids := make(map[int]bool)
	for _, nd := range td.Nodes {
		if _, err := tierFromStr(nd.Tier); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", nd.ID, err))
		}
		ids[nd.ID] = true
	}
	for _, ld := range td.Links {
		if _, err := ParseLinkKey(ld.Key); err != nil {
			errs = append(errs, err)
		}
		if !ids[ld.A] || !ids[ld.B] || ld.A == ld.B {
			errs = append(errs, fmt.Errorf("%w: link %s joins %d and %d", ErrInconsistentTopology, ld.Key, ld.A, ld.B))
		}
	}
	return ReportErrs(errs)
}

// WriteToFile serializes the TopoDesc and writes to the file whose name is given as an input argument.
func (td *TopoDesc) WriteToFile(filename string) error {
	return writeDesc(filename, td)
}

// ReadTopoDesc deserializes a slice of bytes into a TopoDesc.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.
func ReadTopoDesc(topoFileName string, useYAML bool, dict []byte) (*TopoDesc, error) {
	td := new(TopoDesc)
	if err := readDesc(topoFileName, useYAML, dict, td); err != nil {
		return nil, err
	}
	return td, nil
}

// A TopoDescDict holds instances of TopoDesc structures, in a map whose key is
// a name for the topology.  Used to store the descriptions of a sweep.
type TopoDescDict struct {
	DictName string              `json:"dictname" yaml:"dictname"`
	Descs    map[string]TopoDesc `json:"descs" yaml:"descs"`
}

// CreateTopoDescDict is a constructor. Saves the dictionary name, initializes the TopoDesc map.
func CreateTopoDescDict(name string) *TopoDescDict {
	tdd := new(TopoDescDict)
	tdd.DictName = name
	tdd.Descs = make(map[string]TopoDesc)

	return tdd
}

// AddTopoDesc includes a TopoDesc into the dictionary, optionally returning an error
// if a TopoDesc with the same name has already been included
func (tdd *TopoDescDict) AddTopoDesc(td *TopoDesc, overwrite bool) error {
	if !overwrite {
		_, present := tdd.Descs[td.Name]
		if present {
			return fmt.Errorf("attempt to overwrite TopoDesc %s in TopoDescDict", td.Name)
		}
	}

	tdd.Descs[td.Name] = *td

	return nil
}

// RecoverTopoDesc returns a copy (if one exists) of the TopoDesc with name equal to the input argument name.
func (tdd *TopoDescDict) RecoverTopoDesc(name string) (*TopoDesc, bool) {
	td, present := tdd.Descs[name]
	if present {
		return &td, true
	}

	return nil, false
}

// WriteToFile serializes the TopoDescDict and writes to the named file
func (tdd *TopoDescDict) WriteToFile(filename string) error {
	return writeDesc(filename, tdd)
}

// ReadTopoDescDict deserializes a slice of bytes into a TopoDescDict, reading the file
// when the byte slice is empty
func ReadTopoDescDict(filename string, useYAML bool, dict []byte) (*TopoDescDict, error) {
	tdd := new(TopoDescDict)
	if err := readDesc(filename, useYAML, dict, tdd); err != nil {
		return nil, err
	}
	return tdd, nil
}

// UseYAML reports whether the extension of filename selects yaml
func UseYAML(filename string) bool {
	pathExt := path.Ext(filename)
	return pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml"
}

// writeDesc serializes desc and writes it to filename.
// Extension of the file name selects whether serialization is to json or to yaml format.
func writeDesc(filename string, desc any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if UseYAML(filename) {
		bytes, merr = yaml.Marshal(desc)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(desc, "", "\t")
	} else {
		return fmt.Errorf("output file %s needs a .json or .yaml extension", filename)
	}

	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	if werr != nil {
		f.Close()
		return werr
	}

	return f.Close()
}

// readDesc deserializes dict into desc.  If dict is empty, the file whose name is given
// is read first.
func readDesc(filename string, useYAML bool, dict []byte, desc any) error {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		fileInfo, err := os.Stat(filename)
		if err != nil || fileInfo.IsDir() {
			return fmt.Errorf("%s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return err
		}
	}

	if useYAML {
		err = yaml.Unmarshal(dict, desc)
	} else {
		err = json.Unmarshal(dict, desc)
	}

	return err
}

// CheckReadableFiles checks the file system to ensure that every
// one of the argument filenames exists and is readable
func CheckReadableFiles(names []string) (bool, error) {
	return CheckFiles(names, true)
}

// CheckOutputFiles checks the file system to ensure that every
// argument filename can be written.
func CheckOutputFiles(names []string) (bool, error) {
	return CheckFiles(names, false)
}

// CheckFiles checks the file system for permitted access to all the
// argument filenames, optionally checking also for the existence
// of those files for the purposes of reading them.
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	// the directory of each named file must exist and be a directory
	dirs := make([]string, 0, len(names))
	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		dirs = append(dirs, filepath.Dir(name))
	}
	errs := make([]error, 0)
	if _, err := CheckDirectories(dirs); err != nil {
		errs = append(errs, err)
	}

	// if required, check that each file exists and is not a directory
	if checkExistence {
		for _, name := range names {
			if len(name) == 0 {
				continue
			}
			fileInfo, err := os.Stat(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if fileInfo.IsDir() {
				errs = append(errs, fmt.Errorf("%s is a directory", name))
			}
		}
	}

	if len(errs) == 0 {
		return true, nil
	}

	return false, ReportErrs(errs)
}

// CheckDirectories checks the file system for the existence
// of every directory listed.  Returns a boolean indicating whether all
// dirs are valid, and an aggregated error if any checks failed.
func CheckDirectories(dirs []string) (bool, error) {
	failures := []string{}

	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}

		fileInfo, err := os.Stat(dir)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s not reachable", dir))

			continue
		}
		if !fileInfo.IsDir() {
			failures = append(failures, fmt.Sprintf("%s not a directory", dir))
		}
	}
	if len(failures) == 0 {
		return true, nil
	}

	return false, errors.New(strings.Join(failures, ","))
}
