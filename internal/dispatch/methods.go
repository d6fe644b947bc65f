package dispatch

import (
	"context"
	"time"

	"github.com/goxel/goxeld/internal/engine"
	"github.com/goxel/goxeld/internal/render"
	"github.com/goxel/goxeld/internal/version"
)

// All engine methods live under the goxel. namespace. Unprefixed names
// are not registered and therefore resolve to method_not_found.
const Namespace = "goxel."

var colorSchema = []Field{
	RangeField("r", 0, 255),
	RangeField("g", 0, 255),
	RangeField("b", 0, 255),
	RangeField("a", 0, 255),
}

// RegisterBuiltins installs the engine-independent methods.
func RegisterBuiltins(d *Dispatcher) {
	d.Register("ping", nil, func(_ context.Context, _ *Params) (any, *Error) {
		return "pong", nil
	})

	d.Register("version", nil, func(_ context.Context, _ *Params) (any, *Error) {
		return map[string]string{"version": version.Version, "build": version.Build}, nil
	})

	d.Register("rpc.list_methods", nil, func(_ context.Context, _ *Params) (any, *Error) {
		return map[string]any{"methods": d.MethodNames()}, nil
	})
}

// RegisterEngine installs the goxel.* methods bound to one engine
// instance and the render artifact manager.
func RegisterEngine(d *Dispatcher, eng engine.Engine, renders *render.Manager, startedAt time.Time) {
	d.Register(Namespace+"create_project", []Field{
		StringField("name"),
		OptField("width", TypeInt, 64),
		OptField("height", TypeInt, 64),
		OptField("depth", TypeInt, 64),
	}, func(_ context.Context, p *Params) (any, *Error) {
		w, h, depth := p.Int("width"), p.Int("height"), p.Int("depth")
		if err := eng.CreateProject(p.String("name"), w, h, depth); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "name": p.String("name"), "width": w, "height": h, "depth": depth}, nil
	})

	d.Register(Namespace+"load_project", []Field{
		StringField("path"),
	}, func(_ context.Context, p *Params) (any, *Error) {
		if err := eng.LoadProject(p.String("path")); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "path": p.String("path")}, nil
	})

	d.Register(Namespace+"save_project", []Field{
		StringField("path"),
	}, func(_ context.Context, p *Params) (any, *Error) {
		if err := eng.SaveProject(p.String("path")); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "path": p.String("path")}, nil
	})

	addVoxelSchema := append([]Field{
		IntField("x"), IntField("y"), IntField("z"),
	}, append(colorSchema, OptField("layer", TypeInt, -1))...)
	d.Register(Namespace+"add_voxel", addVoxelSchema, func(_ context.Context, p *Params) (any, *Error) {
		c := engine.RGBA{R: uint8(p.Int("r")), G: uint8(p.Int("g")), B: uint8(p.Int("b")), A: uint8(p.Int("a"))}
		if err := eng.AddVoxel(p.Int("x"), p.Int("y"), p.Int("z"), c, p.Int("layer")); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "x": p.Int("x"), "y": p.Int("y"), "z": p.Int("z")}, nil
	})

	d.Register(Namespace+"batch_add_voxels", []Field{
		{Name: "voxels", Type: TypeArray, Required: true},
		OptField("layer", TypeInt, -1),
	}, func(_ context.Context, p *Params) (any, *Error) {
		voxels, _ := p.Raw("voxels").([]any)
		layer := p.Int("layer")
		added := 0
		for i, item := range voxels {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, InvalidParams("voxels[%d]: expected object", i)
			}
			var coords [3]int
			for j, key := range []string{"x", "y", "z"} {
				n, ok := obj[key].(float64)
				if !ok {
					return nil, InvalidParams("voxels[%d]: missing integer %q", i, key)
				}
				coords[j] = int(n)
			}
			var chans [4]uint8
			for j, key := range []string{"r", "g", "b", "a"} {
				n, ok := obj[key].(float64)
				if !ok || n < 0 || n > 255 {
					return nil, InvalidParams("voxels[%d]: channel %q out of range [0, 255]", i, key)
				}
				chans[j] = uint8(n)
			}
			c := engine.RGBA{R: chans[0], G: chans[1], B: chans[2], A: chans[3]}
			if err := eng.AddVoxel(coords[0], coords[1], coords[2], c, layer); err != nil {
				return nil, FromEngine(err)
			}
			added++
		}
		return map[string]any{"success": true, "added": added}, nil
	})

	d.Register(Namespace+"remove_voxel", []Field{
		IntField("x"), IntField("y"), IntField("z"),
		OptField("layer", TypeInt, -1),
	}, func(_ context.Context, p *Params) (any, *Error) {
		if err := eng.RemoveVoxel(p.Int("x"), p.Int("y"), p.Int("z"), p.Int("layer")); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "x": p.Int("x"), "y": p.Int("y"), "z": p.Int("z")}, nil
	})

	d.Register(Namespace+"get_voxel", []Field{
		IntField("x"), IntField("y"), IntField("z"),
	}, func(_ context.Context, p *Params) (any, *Error) {
		c, err := eng.GetVoxel(p.Int("x"), p.Int("y"), p.Int("z"))
		if err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{
			"x": p.Int("x"), "y": p.Int("y"), "z": p.Int("z"),
			"r": c.R, "g": c.G, "b": c.B, "a": c.A,
		}, nil
	})

	d.Register(Namespace+"list_layers", nil, func(_ context.Context, _ *Params) (any, *Error) {
		layers, err := eng.ListLayers()
		if err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"count": len(layers), "layers": layers}, nil
	})

	d.Register(Namespace+"create_layer", []Field{
		StringField("name"),
		OptRangeField("r", 0, 255, 128), OptRangeField("g", 0, 255, 128), OptRangeField("b", 0, 255, 128),
		OptField("visible", TypeBool, true),
	}, func(_ context.Context, p *Params) (any, *Error) {
		c := engine.RGBA{R: uint8(p.Int("r")), G: uint8(p.Int("g")), B: uint8(p.Int("b")), A: 255}
		idx, err := eng.CreateLayer(p.String("name"), c, p.Bool("visible"))
		if err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "name": p.String("name"), "index": idx}, nil
	})

	d.Register(Namespace+"clear_layer", []Field{
		IntField("index"),
	}, func(_ context.Context, p *Params) (any, *Error) {
		if err := eng.ClearLayer(p.Int("index")); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "index": p.Int("index")}, nil
	})

	d.Register(Namespace+"delete_layer", []Field{
		IntField("index"),
	}, func(_ context.Context, p *Params) (any, *Error) {
		if err := eng.DeleteLayer(p.Int("index")); err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{"success": true, "index": p.Int("index")}, nil
	})

	d.Register(Namespace+"export_model", []Field{
		StringField("path"),
		StringField("format"),
	}, func(_ context.Context, p *Params) (any, *Error) {
		path := p.String("path")
		if err := eng.Export(path, p.String("format")); err != nil {
			return nil, FromEngine(err)
		}
		registerArtifact(renders, path, p.String("format"), 0, 0)
		return map[string]any{"success": true, "path": path}, nil
	})

	d.Register(Namespace+"render_scene", []Field{
		StringField("path"),
		IntField("width"),
		IntField("height"),
		OptField("camera", TypeObject, nil),
	}, func(_ context.Context, p *Params) (any, *Error) {
		var cam *engine.Camera
		if obj, ok := p.Raw("camera").(map[string]any); ok {
			cam = &engine.Camera{}
			if v, ok := obj["yaw"].(float64); ok {
				cam.Yaw = v
			}
			if v, ok := obj["pitch"].(float64); ok {
				cam.Pitch = v
			}
			if v, ok := obj["distance"].(float64); ok {
				cam.Distance = v
			}
		}
		path := p.String("path")
		w, h := p.Int("width"), p.Int("height")
		if err := eng.Render(path, w, h, cam); err != nil {
			return nil, FromEngine(err)
		}
		registerArtifact(renders, path, "png", w, h)
		return map[string]any{"success": true, "path": path}, nil
	})

	d.Register(Namespace+"get_status", nil, func(_ context.Context, _ *Params) (any, *Error) {
		st, err := eng.Status()
		if err != nil {
			return nil, FromEngine(err)
		}
		return map[string]any{
			"version":     version.Version,
			"layer_count": st.LayerCount,
			"width":       st.Width,
			"height":      st.Height,
			"depth":       st.Depth,
			"uptime_s":    int64(time.Since(startedAt).Seconds()),
		}, nil
	})

	d.Register(Namespace+"get_render_stats", nil, func(_ context.Context, _ *Params) (any, *Error) {
		if renders == nil {
			return nil, Errorf(KindInternal, "render manager not configured")
		}
		return renders.Stats(), nil
	})
}

// registerArtifact indexes a produced file with the render manager.
// Artifacts written outside the render root are legitimate (the client
// chose the destination) and simply stay untracked.
func registerArtifact(renders *render.Manager, path, format string, w, h int) {
	if renders == nil {
		return
	}
	_ = renders.Register(path, "", format, w, h)
}
