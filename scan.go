package dvbmux

// fastSwitch checks whether every scan-relevant table on the mux is
// complete and idle, and signals scan completion if so. Called after a
// callback reported its requirement satisfied on a quick-required or
// fast-switch table.
//
// Scan-required tables must be complete; tables that are merely working
// (mid fetch) block completion too, so the scan is never declared done
// while hardware state is still in flux.
func (mm *Mux) fastSwitch() {
	if mm.ScanState() != ScanActive {
		return
	}

	mm.mu.Lock()
	for _, t := range mm.tables {
		if t.Flags()&FlagQuickReq == 0 && !t.working {
			continue
		}
		if !t.complete || t.working {
			mm.mu.Unlock()
			return
		}
	}
	mm.mu.Unlock()

	mm.log.Info("scan complete")
	if mm.scanDone != nil {
		mm.scanDone(mm, mm.name, true)
	}
}
