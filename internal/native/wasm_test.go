package native

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// The helpers below assemble minimal catalog modules by hand so tests do
// not depend on a guest toolchain.

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func funcBody(code ...byte) []byte {
	body := append([]byte{0x00}, code...) // no locals
	body = append(body, 0x0b)
	return append(uleb(uint64(len(body))), body...)
}

const responseOffset = 1024

type guest struct {
	version  int32
	response string
	loop     bool // catalog_call never returns
}

func (g guest) build() []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// () -> i32, (i32) -> i32, (i32, i32) -> i64
	mod = append(mod, section(1, []byte{
		0x03,
		0x60, 0x00, 0x01, 0x7f,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	})...)
	mod = append(mod, section(3, []byte{0x03, 0x00, 0x01, 0x02})...)
	mod = append(mod, section(5, []byte{0x01, 0x00, 0x01})...)

	exports := []byte{0x04}
	exports = append(append(exports, wasmName(exportMemory)...), 0x02, 0x00)
	exports = append(append(exports, wasmName(exportAPIVersion)...), 0x00, 0x00)
	exports = append(append(exports, wasmName(exportAlloc)...), 0x00, 0x01)
	exports = append(append(exports, wasmName(exportCall)...), 0x00, 0x02)
	mod = append(mod, section(7, exports)...)

	versionFn := funcBody(append([]byte{0x41}, sleb(int64(g.version))...)...)
	allocFn := funcBody(append([]byte{0x41}, sleb(16)...)...)
	var callFn []byte
	if g.loop {
		// loop br 0 end; i64.const 0
		callFn = funcBody(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x42, 0x00)
	} else {
		packed := int64(pack(responseOffset, uint32(len(g.response))))
		callFn = funcBody(append([]byte{0x42}, sleb(packed)...)...)
	}
	code := []byte{0x03}
	code = append(code, versionFn...)
	code = append(code, allocFn...)
	code = append(code, callFn...)
	mod = append(mod, section(10, code)...)

	data := []byte{0x01, 0x00, 0x41}
	data = append(data, sleb(responseOffset)...)
	data = append(data, 0x0b)
	data = append(data, uleb(uint64(len(g.response)))...)
	data = append(data, g.response...)
	return append(mod, section(11, data)...)
}

// writePackage lays out an unpacked .cpkg in a fresh directory.
func writePackage(t *testing.T, dir, manifest string, g guest) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModuleFile), g.build(), 0644))
}

const testManifest = `pkg: org.example.novels
name: Example Novels
version_name: 2.0.1
version_code: 7
lang: en
`

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
