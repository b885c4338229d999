package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestEnsureDefaults(t *testing.T) {
	var conf AttrConfig
	conf.Ensure()
	test.That(t, conf.Port, test.ShouldEqual, DefaultPort)
	test.That(t, conf.SubmapSize, test.ShouldEqual, DefaultSubmapSize)
	test.That(t, conf.ConfThreshold, test.ShouldEqual, DefaultConfThreshold)
	test.That(t, conf.AdmitStride, test.ShouldEqual, DefaultAdmitStride)
	test.That(t, conf.GlobalScale, test.ShouldEqual, 0.0)
	test.That(t, conf.Preview.Width, test.ShouldEqual, DefaultPreviewWidth)
	test.That(t, conf.Preview.Height, test.ShouldEqual, DefaultPreviewHeight)
	test.That(t, conf.Preview.Zoom, test.ShouldEqual, DefaultPreviewZoom)
	test.That(t, conf.Validate("test"), test.ShouldBeNil)
}

func TestEnsureKeepsExplicitValues(t *testing.T) {
	conf := AttrConfig{Port: 9000, SubmapSize: 4, Preview: &PreviewAttrs{Width: 400}}
	conf.Ensure()
	test.That(t, conf.Port, test.ShouldEqual, 9000)
	test.That(t, conf.SubmapSize, test.ShouldEqual, 4)
	test.That(t, conf.Preview.Width, test.ShouldEqual, 400)
	test.That(t, conf.Preview.Height, test.ShouldEqual, DefaultPreviewHeight)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*AttrConfig)
		errMsg string
	}{
		{"bad port", func(c *AttrConfig) { c.Port = -1 }, "port"},
		{"tiny submap", func(c *AttrConfig) { c.SubmapSize = 1 }, "submap_size"},
		{"threshold above 100", func(c *AttrConfig) { c.ConfThreshold = 200 }, "conf_threshold"},
		{"negative scale", func(c *AttrConfig) { c.GlobalScale = -1 }, "global_scale"},
		{"negative stride", func(c *AttrConfig) { c.AdmitStride = -2 }, "admit_stride"},
		{"rig without depth", func(c *AttrConfig) { c.DepthRigPath = "rig.json" }, "depth_rig_path"},
		{"flat preview", func(c *AttrConfig) { c.Preview.Height = -5 }, "preview"},
		{"zero zoom", func(c *AttrConfig) { c.Preview.Zoom = -1 }, "zoom"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var conf AttrConfig
			conf.Ensure()
			tc.mutate(&conf)
			err := conf.Validate("cfg.json")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
			test.That(t, err.Error(), test.ShouldContainSubstring, "cfg.json")
		})
	}
}

func TestFromAttributes(t *testing.T) {
	conf, err := FromAttributes(AttributeMap{
		"port":          float64(9000),
		"submap_size":   float64(8),
		"depth_enabled": true,
		"export_dir":    "/tmp/densemap",
		"preview":       map[string]interface{}{"zoom": 2.0},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Port, test.ShouldEqual, 9000)
	test.That(t, conf.SubmapSize, test.ShouldEqual, 8)
	test.That(t, conf.DepthEnabled, test.ShouldBeTrue)
	test.That(t, conf.ExportDir, test.ShouldEqual, "/tmp/densemap")
	test.That(t, conf.Preview.Zoom, test.ShouldEqual, 2.0)
}

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "densemap.json")
	test.That(t, os.WriteFile(path, []byte(`{
	// ingest port
	port: 9000,
	submap_size: 8,
	depth_enabled: true,
	depth_rig_path: "rig.json",
	preview: {width: 400},
}`), 0o640), test.ShouldBeNil)

	conf, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Port, test.ShouldEqual, 9000)
	test.That(t, conf.SubmapSize, test.ShouldEqual, 8)
	test.That(t, conf.ConfThreshold, test.ShouldEqual, DefaultConfThreshold)
	test.That(t, conf.DepthRigPath, test.ShouldEqual, "rig.json")
	test.That(t, conf.Preview.Width, test.ShouldEqual, 400)
	test.That(t, conf.Preview.Height, test.ShouldEqual, DefaultPreviewHeight)

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "densemap.json")
	test.That(t, os.WriteFile(path, []byte(`{port: -2}`), 0o640), test.ShouldBeNil)
	_, err := Read(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "port")

	test.That(t, os.WriteFile(path, []byte(`{port: `), 0o640), test.ShouldBeNil)
	_, err = Read(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "parsing")
}
