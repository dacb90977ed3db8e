package hostfunc

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Reexport instantiates a guest module named name that imports every function
// of host and exports it again under the same name. wazero refuses
// ExportedFunction on host modules; the returned module hands out callable
// api.Function values for them.
func Reexport(ctx context.Context, rt wazero.Runtime, host api.Module, name string) (api.Module, error) {
	defs := host.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)

	bin := shimBinary(host.Name(), names, defs)
	mod, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("re-export host module %q: %w", host.Name(), err)
	}
	return mod, nil
}

// shimBinary encodes a module with one type and one function import per name,
// each exported at its import index.
func shimBinary(from string, names []string, defs map[string]api.FunctionDefinition) []byte {
	var types, imports, exports []byte

	types = appendU32(types, uint32(len(names)))
	imports = appendU32(imports, uint32(len(names)))
	exports = appendU32(exports, uint32(len(names)))
	for i, n := range names {
		def := defs[n]
		types = append(types, 0x60)
		types = appendValueTypes(types, def.ParamTypes())
		types = appendValueTypes(types, def.ResultTypes())

		imports = appendName(imports, from)
		imports = appendName(imports, n)
		imports = append(imports, 0x00)
		imports = appendU32(imports, uint32(i))

		exports = appendName(exports, n)
		exports = append(exports, 0x00)
		exports = appendU32(exports, uint32(i))
	}

	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	bin = appendSection(bin, 1, types)
	bin = appendSection(bin, 2, imports)
	bin = appendSection(bin, 7, exports)
	return bin
}

func appendSection(b []byte, id byte, body []byte) []byte {
	b = append(b, id)
	b = appendU32(b, uint32(len(body)))
	return append(b, body...)
}

func appendValueTypes(b []byte, vts []api.ValueType) []byte {
	b = appendU32(b, uint32(len(vts)))
	return append(b, vts...)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

// appendU32 writes v as unsigned LEB128.
func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}
