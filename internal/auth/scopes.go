package auth

// Known OAuth scopes accepted by the step sync API.
const (
	ScopeStepsRead  = "steps:read"
	ScopeStepsWrite = "steps:write"
)
