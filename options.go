package uniqw

// submitOptions collects SubmitOption settings for a single Submit/
// SubmitToQueue call.
type submitOptions struct {
	id       string
	priority Priority
	retry    RetryConfig
	retrySet bool
}

// SubmitOption configures a single Submit/SubmitToQueue call.
type SubmitOption func(*submitOptions)

// TaskID sets a custom id for the submitted task. If not provided, a random
// UUID is generated.
func TaskID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithPriority sets the task's priority lane. Defaults to PriorityNormal.
func WithPriority(p Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithRetryConfig overrides the default retry policy for one task.
func WithRetryConfig(r RetryConfig) SubmitOption {
	return func(o *submitOptions) {
		o.retry = r
		o.retrySet = true
	}
}

func newSubmitOptions(opts []SubmitOption) *submitOptions {
	o := &submitOptions{priority: PriorityNormal, retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
