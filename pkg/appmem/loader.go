package appmem

import "fmt"

// Default layout of a loaded program.
const (
	StackTop         = 0x7FFF0000
	DefaultStackSize = 64 * 1024
	ClientBase       = 0x60000000
)

// Image is a program ready to be mapped: a code section and an optional
// data section, each placed at its own page-aligned origin.
type Image struct {
	Name       string
	Origin     uint64
	Code       []byte
	DataOrigin uint64
	Data       []byte
	Entry      uint64

	// CodePerm defaults to PermRX. Programs that rewrite their own code
	// need PermRWX.
	CodePerm Perm
	// CodeKind defaults to KindImage.
	CodeKind Kind
}

func pageAlign(n uint64) uint64 {
	if n == 0 {
		return PageSize
	}
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// LoadImage maps and populates img's sections.
func (m *Memory) LoadImage(img Image) error {
	perm := img.CodePerm
	if perm == 0 {
		perm = PermRX
	}
	if err := m.Map(img.Name, img.CodeKind, img.Origin, pageAlign(uint64(len(img.Code))), perm); err != nil {
		return err
	}
	if err := m.Load(img.Origin, img.Code); err != nil {
		return fmt.Errorf("load %s code: %w", img.Name, err)
	}
	if len(img.Data) == 0 {
		return nil
	}
	if err := m.Map(img.Name+".data", KindHeap, img.DataOrigin, pageAlign(uint64(len(img.Data))), PermRW); err != nil {
		return err
	}
	if err := m.Load(img.DataOrigin, img.Data); err != nil {
		return fmt.Errorf("load %s data: %w", img.Name, err)
	}
	return nil
}

// MapStack maps a stack region below every existing stack and returns its
// top, 16-byte aligned with a guard page left below the previous stack.
func (m *Memory) MapStack(name string, size uint64) (uint64, error) {
	size = pageAlign(size)
	top := uint64(StackTop)
	for _, r := range m.Regions() {
		if r.Kind == KindStack && r.Base-PageSize < top {
			top = r.Base - PageSize
		}
	}
	base := top - size
	if err := m.Map(name, KindStack, base, size, PermRW); err != nil {
		return 0, err
	}
	return top, nil
}

// MapClient maps a read-write region for client data such as counters
// updated by instrumentation and returns its base. Each name is mapped
// once.
func (m *Memory) MapClient(name string, size uint64) (uint64, error) {
	if r, ok := m.RegionNamed(name); ok {
		return 0, fmt.Errorf("map %s: already mapped at %#x", name, r.Base)
	}
	base := uint64(ClientBase)
	for _, r := range m.Regions() {
		if r.Kind == KindClient && r.End() > base {
			base = r.End()
		}
	}
	if err := m.Map(name, KindClient, base, pageAlign(size), PermRW); err != nil {
		return 0, err
	}
	return base, nil
}
