package registry

import (
	"context"
	"fmt"

	"gorm.io/datatypes"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// BuildJob prepares an unsaved PENDING job of the given job type revision.
// Required inputs must be bound unless named in deferred, which a recipe
// fills from predecessor outputs later. Input disk is the total size of the
// bound files and output disk follows the job type's estimate.
func BuildJob(ctx context.Context, files core.FileStore, jt *core.JobType, rev *core.JobTypeRevision, data core.JobData, eventID *uint, deferred ...string) (*core.Job, error) {
	if err := CheckInputs(rev.Interface.Data(), data, deferred...); err != nil {
		return nil, fmt.Errorf("job type %s %s: %w", jt.Name, jt.Version, err)
	}
	diskIn, err := InputSize(ctx, files, data)
	if err != nil {
		return nil, err
	}
	if data.Version == "" {
		data.Version = "1.0"
	}

	return &core.Job{
		JobTypeID:       jt.ID,
		JobTypeRevID:    rev.ID,
		EventID:         eventID,
		Status:          core.StatusPending,
		Priority:        jt.Priority,
		MaxTries:        jt.MaxTries,
		Timeout:         jt.Timeout,
		CPUsRequired:    jt.CPUsRequired,
		MemRequired:     jt.MemRequired,
		DiskInRequired:  diskIn,
		DiskOutRequired: jt.DiskOutRequired(diskIn),
		Data:            datatypes.NewJSONType(data),
	}, nil
}

// CheckInputs reports unbound required inputs, other than those deferred,
// and bindings to unknown ports.
func CheckInputs(iface core.JobInterface, data core.JobData, deferred ...string) error {
	skip := make(map[string]bool, len(deferred))
	for _, name := range deferred {
		skip[name] = true
	}
	for _, in := range data.InputData {
		if _, ok := iface.Input(in.Name); !ok {
			return fmt.Errorf("%w: no input named %q", core.ErrInvalidInput, in.Name)
		}
	}
	for _, port := range iface.InputData {
		if !port.IsRequired() || skip[port.Name] {
			continue
		}
		in, ok := data.Input(port.Name)
		if !ok {
			return fmt.Errorf("%w: required input %q is not bound", core.ErrInvalidInput, port.Name)
		}
		if port.Type == core.PortProperty && in.Value == nil {
			return fmt.Errorf("%w: property %q has no value", core.ErrInvalidInput, port.Name)
		}
		if port.Type != core.PortProperty && len(in.Files()) == 0 {
			return fmt.Errorf("%w: input %q has no files", core.ErrInvalidInput, port.Name)
		}
	}
	return nil
}

// InputSize returns the total size in MiB of the files bound to a job.
func InputSize(ctx context.Context, files core.FileStore, data core.JobData) (float64, error) {
	ids := data.FileIDs()
	if len(ids) == 0 {
		return 0, nil
	}
	found, err := files.GetFiles(ctx, ids)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, f := range found {
		total += f.SizeMiB()
	}
	return total, nil
}

// OutputBindings binds every output port of iface to a workspace.
func OutputBindings(iface core.JobInterface, workspaceID uint) []core.DataOutput {
	if workspaceID == 0 {
		return nil
	}
	outs := make([]core.DataOutput, 0, len(iface.OutputData))
	for _, p := range iface.OutputData {
		outs = append(outs, core.DataOutput{Name: p.Name, WorkspaceID: workspaceID})
	}
	return outs
}
