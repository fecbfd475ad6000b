package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/shadowhook/vtxhook/internal/config"
	"github.com/shadowhook/vtxhook/internal/script"
	"github.com/shadowhook/vtxhook/internal/shadowhook/decoder"
	"github.com/shadowhook/vtxhook/internal/shadowhook/engine"
	"github.com/shadowhook/vtxhook/internal/shadowhook/install"
	"github.com/shadowhook/vtxhook/internal/shadowhook/sim"
)

const (
	simGuestBase = 0x0000000000001000
	simGuestSize = 16 * 1024 * 1024
	simExecBase  = 0x0000000010000000
	simExecSize  = 4 * 1024 * 1024
)

// session bundles one running simulation: the engine plus the pure-Go
// collaborators backing it, kept around so subcommands can report on them
// after installing targets and enabling hooks.
type session struct {
	cfg    *config.Config
	engine *engine.Engine
	guest  *sim.Guest
	ept    *sim.EPT
	vmcs   *sim.VMCS
	exec   *sim.Exec
	script *script.Engine
}

func newSession(cfg *config.Config) (*session, error) {
	mode := decoder.Mode64
	if cfg.Mode == "32" {
		mode = decoder.Mode32
	}

	guest := sim.NewGuest(simGuestBase, simGuestSize)
	ept := sim.NewEPT()
	vmcs := sim.NewVMCS(0)
	execMem := sim.NewExec(simExecBase, simExecSize)

	e := engine.AllocateSharedData(engine.Collaborators{
		EPT:    ept,
		VMCS:   vmcs,
		Guest:  guest,
		Host:   execMem,
		NumCPU: cfg.NumCPU,
		Mode:   mode,
	})

	var scriptEngine *script.Engine
	if cfg.ScriptPath != "" {
		raw, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", cfg.ScriptPath, err)
		}
		scriptEngine, err = script.New(string(raw))
		if err != nil {
			return nil, err
		}
	}

	s := &session{cfg: cfg, engine: e, guest: guest, ept: ept, vmcs: vmcs, exec: execMem, script: scriptEngine}
	if err := s.installTargets(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) installTargets() error {
	for _, t := range s.cfg.Targets {
		switch t.Kind {
		case "patch":
			code, err := hex.DecodeString(t.NewCodeHex)
			if err != nil {
				return fmt.Errorf("target %q: decode new_code_hex: %w", t.Name, err)
			}
			if _, err := s.engine.InstallPatch(install.PatchTarget{
				FunctionType: install.Exported,
				Name:         t.Name,
				Address:      t.Address,
				PatchLength:  t.PatchLength,
				NewCode:      code,
			}); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}

		case "hook":
			handlerAddr, err := s.resolveHandlerAddress(t.HandlerName)
			if err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
			if _, _, err := s.engine.InstallInlineHook(install.HookTarget{
				FunctionType: install.Exported,
				Name:         t.Name,
				Address:      t.Address,
				Handler:      handlerAddr,
			}); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}

		case "monitor":
			handler, err := s.resolveMemoryHandler(t.HandlerName)
			if err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
			if _, err := s.engine.InstallMemoryMonitor(install.MonitorTarget{
				TargetAddress: t.Address,
				Len:           t.Len,
				Handler:       handler,
			}); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}

		default:
			return fmt.Errorf("target %q: unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

func (s *session) resolveHandlerAddress(name string) (uint64, error) {
	if name == "" {
		return 0, nil
	}
	if s.script == nil {
		return 0, fmt.Errorf("handler %q requires a script config", name)
	}
	return s.script.BreakpointHandlerAddress(name)
}

func (s *session) resolveMemoryHandler(name string) (func(faultVA, guestRIP uint64), error) {
	if name == "" {
		return nil, nil
	}
	if s.script == nil {
		return nil, fmt.Errorf("handler %q requires a script config", name)
	}
	return s.script.MemoryHandler(name)
}
