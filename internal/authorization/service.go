package authorization

import "context"

// Service decides whether a hierarchy tier may act on a commission resource.
type Service interface {
	Authorize(ctx context.Context, role string, object string, action string) error
}
