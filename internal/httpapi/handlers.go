package httpapi

// handlers closes over Deps so every HTTP handler method has access to
// storage, the query/ingestion/alerting/streaming services, and the
// resolved config without a separate constructor per handler group.
type handlers struct {
	d Deps
}
