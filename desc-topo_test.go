package starnet

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeTwoTier, 1, 1))

	td := topo.Transform(book)
	assert.Equal(t, "two-tier", td.Shape)
	require.Len(t, td.Nodes, 4)
	require.Len(t, td.Links, 3)

	assert.Equal(t, NodeDesc{ID: 0, Name: "server", Tier: "server", Index: 0, Addrs: []string{"10.1.0.1"}}, td.Nodes[0])
	assert.Equal(t, "gateway", td.Nodes[1].Name)
	assert.Equal(t, []string{"10.1.0.2", "10.1.1.1", "10.1.2.1"}, td.Nodes[1].Addrs)
	assert.Equal(t, NodeDesc{ID: 3, Name: "uploader[0]", Tier: "uploader", Index: 0, Addrs: []string{"10.1.2.2"}}, td.Nodes[3])

	assert.Equal(t, "core", td.Links[0].Key)
	assert.Equal(t, "10.1.0.0/24", td.Links[0].Subnet)
	assert.Equal(t, "downloader[0]", td.Links[1].Key)
	assert.Equal(t, DefaultLinkParams(), td.Links[1].Params)
	require.NoError(t, td.Validate())

	bare := topo.Transform(nil)
	assert.Empty(t, bare.Nodes[0].Addrs)
	assert.Empty(t, bare.Links[0].Subnet)
}

func TestTopoDescValidate(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeFlat, 2, 0))

	td := topo.Transform(book)
	td.Links[0].B = td.Links[0].A
	assert.ErrorIs(t, td.Validate(), ErrInconsistentTopology)

	td = topo.Transform(book)
	td.Nodes[1].Tier = "router"
	assert.Error(t, td.Validate())

	td = topo.Transform(book)
	td.Links[1].Key = "edge"
	assert.Error(t, td.Validate())
}

func TestTopoDescFile(t *testing.T) {
	topo, book := buildStar(t, starParams(ShapeTwoTier, 2, 1))
	td := topo.Transform(book)

	for _, name := range []string{"topo.yaml", "topo.json"} {
		filename := filepath.Join(t.TempDir(), name)
		require.NoError(t, td.WriteToFile(filename))

		read, err := ReadTopoDesc(filename, UseYAML(filename), nil)
		require.NoError(t, err)
		assert.Equal(t, td, *read, name)
	}

	assert.Error(t, td.WriteToFile(filepath.Join(t.TempDir(), "topo.txt")))
	_, err := ReadTopoDesc(filepath.Join(t.TempDir(), "absent.yaml"), true, nil)
	assert.Error(t, err)
}

func TestTopoDescDict(t *testing.T) {
	tdd := CreateTopoDescDict("sweep")
	for _, d := range []int{1, 2} {
		tp := starParams(ShapeFlat, d, 1)
		tp.Name = fmt.Sprintf("flat-%d", d)
		topo, book := buildStar(t, tp)
		td := topo.Transform(book)
		require.NoError(t, tdd.AddTopoDesc(&td, false))
	}

	td, present := tdd.RecoverTopoDesc("flat-2")
	require.True(t, present)
	assert.Len(t, td.Nodes, 4)
	_, present = tdd.RecoverTopoDesc("flat-3")
	assert.False(t, present)

	assert.Error(t, tdd.AddTopoDesc(td, false))
	assert.NoError(t, tdd.AddTopoDesc(td, true))

	filename := filepath.Join(t.TempDir(), "dict.json")
	require.NoError(t, tdd.WriteToFile(filename))
	read, err := ReadTopoDescDict(filename, false, nil)
	require.NoError(t, err)
	assert.Equal(t, tdd, read)
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.json")
	require.NoError(t, CreateTopoDescDict("x").WriteToFile(present))

	ok, err := CheckOutputFiles([]string{filepath.Join(dir, "out.yaml"), ""})
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = CheckOutputFiles([]string{filepath.Join(dir, "missing", "out.yaml")})
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = CheckReadableFiles([]string{present})
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, _ = CheckReadableFiles([]string{filepath.Join(dir, "absent.json")})
	assert.False(t, ok)

	// a directory is not a readable file, and a file is not a directory to write into
	ok, _ = CheckReadableFiles([]string{dir})
	assert.False(t, ok)
	ok, err = CheckOutputFiles([]string{filepath.Join(present, "out.yaml")})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "not a directory")

	ok, _ = CheckDirectories([]string{dir, present})
	assert.False(t, ok)
	ok, err = CheckDirectories([]string{dir})
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestUseYAML(t *testing.T) {
	assert.True(t, UseYAML("exp.yaml"))
	assert.True(t, UseYAML("exp.yml"))
	assert.False(t, UseYAML("exp.json"))
	assert.False(t, UseYAML("exp"))
}
