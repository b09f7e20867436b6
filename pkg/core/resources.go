package core

// Resources is a cpu/mem/disk vector. Memory and disk are in MiB.
type Resources struct {
	CPUs float64 `json:"cpus" yaml:"cpus"`
	Mem  float64 `json:"mem" yaml:"mem"`
	Disk float64 `json:"disk" yaml:"disk"`
}

// Fits reports whether every dimension of r is within avail.
func (r Resources) Fits(avail Resources) bool {
	return r.CPUs <= avail.CPUs && r.Mem <= avail.Mem && r.Disk <= avail.Disk
}

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPUs: r.CPUs + o.CPUs, Mem: r.Mem + o.Mem, Disk: r.Disk + o.Disk}
}

// Sub returns r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPUs: r.CPUs - o.CPUs, Mem: r.Mem - o.Mem, Disk: r.Disk - o.Disk}
}
