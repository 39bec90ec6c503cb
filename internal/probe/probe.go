// Package probe runs the one-shot, process-wide capability detection
// described in spec.md §4.D: it tries to obtain a purgeable-anonymous
// mapping and, only if that succeeds, a user-extended-page-table mapping
// at the corresponding offset. Both mappings are released immediately;
// the only lasting effect is the boolean result.
//
// Modeled as a sync.Once-guarded singleton, the idiomatic Go equivalent of
// the original C implementation's __attribute__((constructor)) probe (see
// original_source/libpurgeablemem/common/src/ux_page_table_c.c:CheckUxpt),
// per spec.md §9's Design Notes on the one-shot capability probe.
package probe

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-purgeable/internal/constants"
	"github.com/behrlich/go-purgeable/internal/logging"
)

var (
	once    sync.Once
	enabled bool
	log     = logging.Default().With("probe")
)

// Enabled reports whether this host's kernel supports both the
// purgeable-anonymous and user-extended-pte mapping flags. The first call
// runs the probe; every later call returns the cached result.
func Enabled() bool {
	once.Do(runProbe)
	return enabled
}

// reset is a test-only hook that forces the probe to run again. It exists
// so internal/uxpt and region tests can exercise both the enabled and
// disabled code paths deterministically without depending on the real
// host kernel.
func reset() {
	once = sync.Once{}
}

// ResetForTest re-arms the probe so the next Enabled() call runs runProbe
// again. Exported for internal/uxpt and region tests.
func ResetForTest() {
	reset()
}

// ForceResultForTest pins Enabled()'s result without running the real
// probe. Exported for internal/uxpt and region tests that need a
// deterministic enabled/disabled host regardless of this machine's actual
// kernel support.
func ForceResultForTest(v bool) {
	forceResult(v)
}

// forceResult is a test-only hook that pins the capability result without
// running the real probe, used by tests that need a deterministic
// "enabled" or "disabled" host regardless of what this machine's kernel
// actually supports.
func forceResult(v bool) {
	once.Do(func() {})
	enabled = v
}

func runProbe() {
	const probeSize = constants.PageSize

	dataType := unix.MAP_ANONYMOUS | constants.MapPurgeable
	data, err := unix.Mmap(-1, 0, probeSize, unix.PROT_READ|unix.PROT_WRITE, dataType)
	if err != nil {
		log.Debug("purgeable mapping not supported", "error", err)
		enabled = false
		return
	}
	dataAddr := mmapAddr(data)

	uptSize := constants.UxPageSize(dataAddr, probeSize)
	uptType := unix.MAP_ANONYMOUS | constants.MapUserExpte
	ptes, err := unix.Mmap(-1, int64(constants.UxptePageNo(dataAddr))*constants.PageSize, int(uptSize), unix.PROT_READ|unix.PROT_WRITE, uptType)
	if err != nil {
		log.Debug("user-extended-pte mapping not supported", "error", err)
		enabled = false
	} else {
		enabled = true
		if unmapErr := unix.Munmap(ptes); unmapErr != nil {
			log.Error("failed to unmap probe uxpt pages", "error", unmapErr)
		}
	}

	if unmapErr := unix.Munmap(data); unmapErr != nil {
		log.Error("failed to unmap probe data pages", "error", unmapErr)
	}

	log.Info("capability probe complete", "enabled", enabled)
}
