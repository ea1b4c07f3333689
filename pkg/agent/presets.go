package agent

// Agent modes exposed by the API.
const (
	ModeRAG      = "rag"
	ModeSmart    = "smart"
	ModeFull     = "full"
	ModeResearch = "research"
	ModeManager  = "manager"
)

const researchPersona = "You are a research agent. Prefer web_search and fetch_webpage to gather current, " +
	"external information; fall back to the knowledge base for background. Always cite URLs you used."

const managerPersona = "You are a document manager agent. Prefer file_list, file_read, and document_list to " +
	"inspect the document collection directly; use retrieval only for content questions."

// ValidMode reports whether the client asked for a known mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeRAG, ModeSmart, ModeFull, ModeResearch, ModeManager:
		return true
	}
	return false
}

// PresetFor returns the loop configuration for an agent mode. maxIterations
// is the configured budget; research runs get half again as much room
// because web work takes more hops.
func PresetFor(mode string, maxIterations int) Config {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	switch mode {
	case ModeResearch:
		return Config{
			MaxIterations: maxIterations + maxIterations/2,
			Reflection:    true,
			Planning:      true,
			Persona:       researchPersona,
		}
	case ModeManager:
		return Config{
			MaxIterations: maxIterations,
			Reflection:    false,
			Planning:      true,
			Persona:       managerPersona,
		}
	default: // full, and the complex half of smart
		return Config{
			MaxIterations: maxIterations,
			Reflection:    true,
			Planning:      false,
			Persona:       "",
		}
	}
}
