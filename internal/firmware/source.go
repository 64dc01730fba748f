package firmware

import "fmt"

// StaticSource serves boot info records fixed at construction, typically
// loaded from the boot profile.
type StaticSource struct {
	records map[BootInfoKind]Descriptor
}

func NewStaticSource(records ...Descriptor) *StaticSource {
	s := &StaticSource{records: make(map[BootInfoKind]Descriptor, len(records))}
	for _, r := range records {
		s.records[r.Kind()] = r
	}
	return s
}

func (s *StaticSource) ExtendedBootInfo(kind BootInfoKind) (Descriptor, error) {
	if s == nil {
		return nil, fmt.Errorf("firmware: %s: %w", kind, ErrUnavailable)
	}
	rec, ok := s.records[kind]
	if !ok {
		return nil, fmt.Errorf("firmware: %s: %w", kind, ErrUnavailable)
	}
	return rec, nil
}

// VBE fetches and type-checks the VBE record from src.
func VBE(src Source) (VBEInfo, error) {
	if src == nil {
		return VBEInfo{}, fmt.Errorf("firmware: vbe: %w", ErrUnavailable)
	}
	desc, err := src.ExtendedBootInfo(BootInfoVBE)
	if err != nil {
		return VBEInfo{}, err
	}
	switch v := desc.(type) {
	case VBEInfo:
		return v, nil
	case *VBEInfo:
		return *v, nil
	default:
		return VBEInfo{}, fmt.Errorf("firmware: vbe record has type %T", desc)
	}
}

var _ Source = (*StaticSource)(nil)
