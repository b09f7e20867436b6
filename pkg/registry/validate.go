package registry

import (
	"fmt"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/security"
)

// ValidateInterface checks port names, kinds and command placeholders.
func ValidateInterface(iface core.JobInterface) error {
	if iface.Command == "" {
		return fmt.Errorf("%w: command is required", core.ErrInvalidInterface)
	}

	names := map[string]bool{}
	for _, in := range iface.InputData {
		if err := security.ValidateName(in.Name); err != nil {
			return fmt.Errorf("%w: input %q: %v", core.ErrInvalidInterface, in.Name, err)
		}
		if names[in.Name] {
			return fmt.Errorf("%w: duplicate port %q", core.ErrInvalidInterface, in.Name)
		}
		names[in.Name] = true
		switch in.Type {
		case core.PortFile, core.PortFiles, core.PortProperty:
		default:
			return fmt.Errorf("%w: input %q has unknown type %q", core.ErrInvalidInterface, in.Name, in.Type)
		}
	}
	for _, out := range iface.OutputData {
		if err := security.ValidateName(out.Name); err != nil {
			return fmt.Errorf("%w: output %q: %v", core.ErrInvalidInterface, out.Name, err)
		}
		if names[out.Name] {
			return fmt.Errorf("%w: duplicate port %q", core.ErrInvalidInterface, out.Name)
		}
		names[out.Name] = true
		switch out.Type {
		case core.PortFile, core.PortFiles:
		default:
			return fmt.Errorf("%w: output %q has unknown type %q", core.ErrInvalidInterface, out.Name, out.Type)
		}
	}

	for _, p := range iface.Placeholders() {
		if p == core.OutputDirPlaceholder {
			continue
		}
		if _, ok := iface.Input(p); !ok {
			return fmt.Errorf("%w: command argument references unknown input %q", core.ErrInvalidInterface, p)
		}
	}
	return nil
}

func validateJobType(def JobTypeDefinition) error {
	if err := security.ValidateName(def.Name); err != nil {
		return err
	}
	if err := security.ValidateVersion(def.Version); err != nil {
		return err
	}
	r := def.Resources
	if err := security.ValidateResources(r.CPUs, r.Mem, r.DiskOutConst, r.DiskOutMult); err != nil {
		return err
	}
	return ValidateInterface(def.Interface)
}
