package records

import "context"

// Registry holds the service of every variant. Blob references are counted
// across all of them since identical content shares one blob.
type Registry struct {
	services []*Service
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(s *Service) {
	r.services = append(r.services, s)
}

func (r *Registry) Services() []*Service {
	return r.services
}

func (r *Registry) CountBlobRefs(ctx context.Context, blobKey string) (int, error) {
	total := 0
	for _, s := range r.services {
		n, err := s.store.CountBlobRefs(ctx, blobKey)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ReferencedBlobs returns the key of every blob some document points at.
func (r *Registry) ReferencedBlobs(ctx context.Context) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	for _, s := range r.services {
		if err := s.store.BlobKeys(ctx, keys); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
