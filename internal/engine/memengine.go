package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemEngine is the reference in-memory engine implementation. It backs
// tests and standalone daemon runs without the native editor engine.
//
// # Concurrency
//
// A single mutex guards all state. Engine operations are short (map
// mutations; export/render do file I/O but operate on a snapshot taken
// under the lock), matching the serial-per-instance contract.
type MemEngine struct {
	mu          sync.Mutex
	initialized bool

	projectName string
	width       int
	height      int
	depth       int

	layers []*memLayer
}

type memLayer struct {
	name    string
	visible bool
	voxels  map[[3]int]RGBA
}

// NewMemEngine creates an uninitialized in-memory engine.
func NewMemEngine() *MemEngine {
	return &MemEngine{}
}

func (e *MemEngine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
	return nil
}

func (e *MemEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = false
	e.layers = nil
	e.projectName = ""
	return nil
}

func (e *MemEngine) CreateProject(name string, w, h, d int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return Errorf(KindNotInitialized, "engine not initialized")
	}
	if w <= 0 {
		w = 64
	}
	if h <= 0 {
		h = 64
	}
	if d <= 0 {
		d = 64
	}
	e.projectName = name
	e.width, e.height, e.depth = w, h, d
	e.layers = []*memLayer{{name: "background", visible: true, voxels: make(map[[3]int]RGBA)}}
	return nil
}

// projectFile is the on-disk project snapshot. The native engine writes
// the editor's own container; this implementation stores a versioned
// binary header followed by a JSON body.
type projectFile struct {
	Name   string       `json:"name"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Depth  int          `json:"depth"`
	Layers []layerState `json:"layers"`
}

type layerState struct {
	Name    string       `json:"name"`
	Visible bool         `json:"visible"`
	Voxels  []voxelState `json:"voxels"`
}

type voxelState struct {
	X int      `json:"x"`
	Y int      `json:"y"`
	Z int      `json:"z"`
	C [4]uint8 `json:"c"`
}

var projectMagic = [4]byte{'G', 'O', 'X', '1'}

func (e *MemEngine) SaveProject(path string) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return Errorf(KindNotInitialized, "engine not initialized")
	}
	if e.layers == nil {
		e.mu.Unlock()
		return Errorf(KindNoProject, "no active project")
	}
	pf := e.snapshotLocked()
	e.mu.Unlock()

	body, err := json.Marshal(pf)
	if err != nil {
		return Errorf(KindIO, "encode project: %v", err)
	}
	buf := make([]byte, 8+len(body))
	copy(buf[0:4], projectMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[8:], body)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf(KindIO, "create project dir: %v", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return Errorf(KindIO, "write project: %v", err)
	}
	return nil
}

func (e *MemEngine) LoadProject(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf(KindNotFound, "project file not found: %s", path)
		}
		return Errorf(KindIO, "read project: %v", err)
	}
	if len(data) < 8 || [4]byte(data[0:4]) != projectMagic {
		return Errorf(KindBadFormat, "not a goxel project file: %s", path)
	}
	bodyLen := binary.BigEndian.Uint32(data[4:8])
	if int(bodyLen) != len(data)-8 {
		return Errorf(KindBadFormat, "truncated project file: %s", path)
	}
	var pf projectFile
	if err := json.Unmarshal(data[8:], &pf); err != nil {
		return Errorf(KindBadFormat, "decode project: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return Errorf(KindNotInitialized, "engine not initialized")
	}
	e.projectName = pf.Name
	e.width, e.height, e.depth = pf.Width, pf.Height, pf.Depth
	e.layers = e.layers[:0]
	for _, ls := range pf.Layers {
		l := &memLayer{name: ls.Name, visible: ls.Visible, voxels: make(map[[3]int]RGBA, len(ls.Voxels))}
		for _, v := range ls.Voxels {
			l.voxels[[3]int{v.X, v.Y, v.Z}] = RGBA{R: v.C[0], G: v.C[1], B: v.C[2], A: v.C[3]}
		}
		e.layers = append(e.layers, l)
	}
	if len(e.layers) == 0 {
		e.layers = []*memLayer{{name: "background", visible: true, voxels: make(map[[3]int]RGBA)}}
	}
	return nil
}

func (e *MemEngine) snapshotLocked() *projectFile {
	pf := &projectFile{Name: e.projectName, Width: e.width, Height: e.height, Depth: e.depth}
	for _, l := range e.layers {
		ls := layerState{Name: l.name, Visible: l.visible, Voxels: make([]voxelState, 0, len(l.voxels))}
		for pos, c := range l.voxels {
			ls.Voxels = append(ls.Voxels, voxelState{X: pos[0], Y: pos[1], Z: pos[2], C: [4]uint8{c.R, c.G, c.B, c.A}})
		}
		sort.Slice(ls.Voxels, func(i, j int) bool {
			a, b := ls.Voxels[i], ls.Voxels[j]
			if a.Z != b.Z {
				return a.Z < b.Z
			}
			if a.Y != b.Y {
				return a.Y < b.Y
			}
			return a.X < b.X
		})
		pf.Layers = append(pf.Layers, ls)
	}
	return pf
}

func (e *MemEngine) layerLocked(index int) (*memLayer, error) {
	if e.layers == nil {
		return nil, Errorf(KindNoProject, "no active project")
	}
	if index < 0 || index >= len(e.layers) {
		return nil, Errorf(KindNotFound, "layer %d does not exist", index)
	}
	return e.layers[index], nil
}

func (e *MemEngine) inBoundsLocked(x, y, z int) bool {
	hw, hh, hd := e.width/2, e.height/2, e.depth/2
	return x >= -hw && x < e.width-hw && y >= -hh && y < e.height-hh && z >= -hd && z < e.depth-hd
}

// AddVoxel sets a voxel in the given layer (-1 selects the active, i.e.
// last, layer).
func (e *MemEngine) AddVoxel(x, y, z int, c RGBA, layer int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if layer < 0 {
		layer = len(e.layers) - 1
	}
	l, err := e.layerLocked(layer)
	if err != nil {
		return err
	}
	if !e.inBoundsLocked(x, y, z) {
		return Errorf(KindOutOfBounds, "voxel (%d,%d,%d) outside %dx%dx%d volume", x, y, z, e.width, e.height, e.depth)
	}
	l.voxels[[3]int{x, y, z}] = c
	return nil
}

func (e *MemEngine) RemoveVoxel(x, y, z int, layer int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if layer < 0 {
		layer = len(e.layers) - 1
	}
	l, err := e.layerLocked(layer)
	if err != nil {
		return err
	}
	key := [3]int{x, y, z}
	if _, ok := l.voxels[key]; !ok {
		return Errorf(KindEmptyVoxel, "no voxel at (%d,%d,%d)", x, y, z)
	}
	delete(l.voxels, key)
	return nil
}

// GetVoxel returns the topmost visible voxel at the position, scanning
// layers back to front.
func (e *MemEngine) GetVoxel(x, y, z int) (RGBA, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.layers == nil {
		return RGBA{}, Errorf(KindNoProject, "no active project")
	}
	key := [3]int{x, y, z}
	for i := len(e.layers) - 1; i >= 0; i-- {
		l := e.layers[i]
		if !l.visible {
			continue
		}
		if c, ok := l.voxels[key]; ok {
			return c, nil
		}
	}
	return RGBA{}, Errorf(KindEmptyVoxel, "no voxel at (%d,%d,%d)", x, y, z)
}

func (e *MemEngine) ListLayers() ([]Layer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.layers == nil {
		return nil, Errorf(KindNoProject, "no active project")
	}
	out := make([]Layer, len(e.layers))
	for i, l := range e.layers {
		out[i] = Layer{Name: l.name, Index: i, Visible: l.visible, Voxels: len(l.voxels)}
	}
	return out, nil
}

func (e *MemEngine) CreateLayer(name string, _ RGBA, visible bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.layers == nil {
		return 0, Errorf(KindNoProject, "no active project")
	}
	e.layers = append(e.layers, &memLayer{name: name, visible: visible, voxels: make(map[[3]int]RGBA)})
	return len(e.layers) - 1, nil
}

func (e *MemEngine) ClearLayer(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, err := e.layerLocked(index)
	if err != nil {
		return err
	}
	l.voxels = make(map[[3]int]RGBA)
	return nil
}

func (e *MemEngine) DeleteLayer(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.layerLocked(index); err != nil {
		return err
	}
	if len(e.layers) == 1 {
		return Errorf(KindNotFound, "cannot delete the last layer")
	}
	e.layers = append(e.layers[:index], e.layers[index+1:]...)
	return nil
}

func (e *MemEngine) Export(path, format string) error {
	e.mu.Lock()
	if e.layers == nil {
		e.mu.Unlock()
		return Errorf(KindNoProject, "no active project")
	}
	pf := e.snapshotLocked()
	e.mu.Unlock()

	switch strings.ToLower(format) {
	case "gox":
		return e.SaveProject(path)
	case "obj":
		return writeOBJ(path, pf)
	case "png":
		return writeTopDownPNG(path, pf, pf.Width, pf.Height)
	default:
		return Errorf(KindBadFormat, "unsupported export format: %s", format)
	}
}

// Render rasterizes a top-down projection of visible layers. The camera
// is accepted for interface compatibility; the software projection here
// ignores it.
func (e *MemEngine) Render(path string, w, h int, _ *Camera) error {
	e.mu.Lock()
	if e.layers == nil {
		e.mu.Unlock()
		return Errorf(KindNoProject, "no active project")
	}
	pf := e.snapshotLocked()
	e.mu.Unlock()

	if w <= 0 || h <= 0 {
		return Errorf(KindBadFormat, "invalid render size %dx%d", w, h)
	}
	return writeTopDownPNG(path, pf, w, h)
}

func (e *MemEngine) Status() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return Status{}, Errorf(KindNotInitialized, "engine not initialized")
	}
	return Status{LayerCount: len(e.layers), Width: e.width, Height: e.height, Depth: e.depth}, nil
}

// writeOBJ emits one cube per voxel. Good enough for downstream mesh
// tooling; the native engine produces merged meshes.
func writeOBJ(path string, pf *projectFile) error {
	var sb strings.Builder
	sb.WriteString("# exported by goxeld\n")
	vertIdx := 1
	for _, l := range pf.Layers {
		if !l.Visible {
			continue
		}
		for _, v := range l.Voxels {
			x, y, z := float64(v.X), float64(v.Y), float64(v.Z)
			for _, d := range [][3]float64{
				{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
				{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
			} {
				fmt.Fprintf(&sb, "v %g %g %g\n", x+d[0], y+d[1], z+d[2])
			}
			for _, f := range [][4]int{
				{0, 1, 2, 3}, {4, 5, 6, 7}, {0, 1, 5, 4},
				{2, 3, 7, 6}, {0, 3, 7, 4}, {1, 2, 6, 5},
			} {
				fmt.Fprintf(&sb, "f %d %d %d %d\n", vertIdx+f[0], vertIdx+f[1], vertIdx+f[2], vertIdx+f[3])
			}
			vertIdx += 8
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf(KindIO, "create export dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return Errorf(KindIO, "write obj: %v", err)
	}
	return nil
}

// writeTopDownPNG projects visible voxels onto the XY plane, highest Z
// wins, scaled to the output size.
func writeTopDownPNG(path string, pf *projectFile, w, h int) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	top := make(map[[2]int]struct {
		z int
		c [4]uint8
	})
	for _, l := range pf.Layers {
		if !l.Visible {
			continue
		}
		for _, v := range l.Voxels {
			key := [2]int{v.X, v.Y}
			if cur, ok := top[key]; !ok || v.Z > cur.z {
				top[key] = struct {
					z int
					c [4]uint8
				}{v.Z, v.C}
			}
		}
	}
	sx := float64(w) / float64(max(pf.Width, 1))
	sy := float64(h) / float64(max(pf.Height, 1))
	hw, hh := pf.Width/2, pf.Height/2
	for key, cell := range top {
		px := int(float64(key[0]+hw) * sx)
		py := int(float64(key[1]+hh) * sy)
		if px < 0 || px >= w || py < 0 || py >= h {
			continue
		}
		img.Set(px, h-1-py, color.RGBA{R: cell.c[0], G: cell.c[1], B: cell.c[2], A: cell.c[3]})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf(KindIO, "create render dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Errorf(KindIO, "create render file: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return Errorf(KindIO, "encode png: %v", err)
	}
	return nil
}
