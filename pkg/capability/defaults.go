package capability

// DefaultToolCredentialMap is the static tool→[]provider projection spec.md
// section 3 describes as "bundled with the worker" rather than probed. It
// is deliberately small and explicit rather than config-driven: adding a
// tool means adding a line here and shipping a new worker build, the same
// way a built-in tool registry ships as Go source rather than a
// runtime-loaded manifest.
var DefaultToolCredentialMap = ToolCredentialMap{
	"embed_text":         {"openai"},
	"generate_text":      {"openai"},
	"github_open_pr":     {"github"},
	"github_comment":     {"github"},
	"post_to_telegram":   {"telegram"},
	"read_indexer_graph": nil,
}
