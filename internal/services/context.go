package services

import "context"

// ctxKey keys the per-job values the logging package reads back.
type ctxKey int

const (
	jobIDKey ctxKey = iota
	stageKey
	templateKey
	requestIDKey
)

func withString(ctx context.Context, key ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func stringFrom(ctx context.Context, key ctxKey) (string, bool) {
	v, _ := ctx.Value(key).(string)
	return v, v != ""
}

// WithJobID tags ctx with the job being processed. Empty ids are ignored.
func WithJobID(ctx context.Context, id string) context.Context {
	return withString(ctx, jobIDKey, id)
}

func JobIDFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, jobIDKey) }

// WithStage tags ctx with the pipeline stage (convert, flythrough, template).
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

func StageFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, stageKey) }

// WithTemplate tags ctx with the template key being rendered.
func WithTemplate(ctx context.Context, key string) context.Context {
	return withString(ctx, templateKey, key)
}

func TemplateFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, templateKey) }

// WithRequestID tags ctx with the API request's correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, requestIDKey) }
