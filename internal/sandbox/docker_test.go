package sandbox

import (
	"archive/tar"
	"io"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarFiles(t *testing.T) {
	buf, err := tarFiles([]File{
		{Path: "src/components/App.jsx", Content: []byte("x")},
		{Path: "index.html", Content: []byte("<html>")},
	})
	require.NoError(t, err)

	tr := tar.NewReader(buf)
	var names []string
	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			data, _ := io.ReadAll(tr)
			contents[hdr.Name] = string(data)
		}
	}
	assert.Equal(t, []string{"index.html", "src/", "src/components/", "src/components/App.jsx"}, names)
	assert.Equal(t, "<html>", contents["index.html"])
	assert.Equal(t, "x", contents["src/components/App.jsx"])
}

func TestTarFilesRejectsEscape(t *testing.T) {
	_, err := tarFiles([]File{{Path: "../etc/passwd"}})
	assert.Error(t, err)
}

func TestPortConfigAndHostPorts(t *testing.T) {
	exposed, bindings := portConfig([]int{3000, 5173})
	assert.Contains(t, exposed, nat.Port("3000/tcp"))
	assert.Equal(t, "127.0.0.1", bindings[nat.Port("5173/tcp")][0].HostIP)

	published := nat.PortMap{
		"3000/tcp": {{HostIP: "127.0.0.1", HostPort: "49153"}},
		"5173/udp": {{HostPort: "1"}},
		"8080/tcp": {},
	}
	assert.Equal(t, map[int]string{3000: "49153"}, hostPorts(published))

	d := &Docker{previewHost: "localhost", ports: map[string]map[int]string{}}
	d.rememberPorts("c1", published)
	assert.Equal(t, "http://localhost:49153", d.PreviewURL("c1", 3000))
	assert.Empty(t, d.PreviewURL("c1", 5173))
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
}
