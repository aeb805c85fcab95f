package libc

import (
	"strings"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	stubs.RegisterDetector(stubs.Detector{
		Name:        "static-compare",
		Patterns:    []string{"*strcmp*", "*strncmp*", "*strcasecmp*", "*memcmp*"},
		Activate:    activateStaticCompare,
		Description: "hooks statically linked comparison routines",
	})
}

// compareFamilies maps symbol-name fragments to compare stubs. Longer
// names first: strncasecmp must not fall into the strncmp bucket.
var compareFamilies = []struct {
	substr string
	hook   stubs.HookFunc
}{
	{"strncasecmp", stubStrncasecmp},
	{"strcasecmp", stubStrcasecmp},
	{"strncmp", stubStrncmp},
	{"strcmp", stubStrcmp},
	{"memcmp", stubMemcmp},
}

// activateStaticCompare hooks comparison routines that live inside the
// target under internal names, like glibc's per-ISA variants
// (__strcmp_avx2, __memcmp_sse4_1). Imports are left to the normal
// install pass.
func activateStaticCompare(emu *emulator.Emulator, imports, symbols map[string]uint64) int {
	installed := 0
	for name, addr := range symbols {
		if addr == 0 {
			continue
		}
		if _, isImport := imports[name]; isImport {
			continue
		}
		for _, fam := range compareFamilies {
			if strings.Contains(name, fam.substr) {
				hook := fam.hook
				emu.HookAddress(addr, func(e *emulator.Emulator) bool {
					return hook(e)
				})
				installed++
				break
			}
		}
	}
	return installed
}
