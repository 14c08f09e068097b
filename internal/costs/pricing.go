package costs

// PriceEntry is the per-1K-token USD pricing for one model.
type PriceEntry struct {
	Provider    string
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPrice is used (and reported via Unknown=true on the Record) when a
// model id has no pricing table entry. Conservative: priced at the upper end
// of commodity chat models so unknown usage is never under-counted.
var defaultPrice = PriceEntry{Provider: "unknown", InputPer1K: 0.01, OutputPer1K: 0.03}

// pricing is an immutable modelId → PriceEntry table. Extend by rebuilding.
var pricing = map[string]PriceEntry{
	"gpt-4o":         {Provider: "openai", InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":    {Provider: "openai", InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":    {Provider: "openai", InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":          {Provider: "openai", InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo":  {Provider: "openai", InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o1":             {Provider: "openai", InputPer1K: 0.015, OutputPer1K: 0.06},
	"o1-mini":        {Provider: "openai", InputPer1K: 0.003, OutputPer1K: 0.012},
	"o3-mini":        {Provider: "openai", InputPer1K: 0.0011, OutputPer1K: 0.0044},

	"claude-3-5-sonnet-20241022": {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {Provider: "anthropic", InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus-20240229":     {Provider: "anthropic", InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {Provider: "anthropic", InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"claude-opus-4":              {Provider: "anthropic", InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":            {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},

	"gemini-1.5-pro":   {Provider: "gemini", InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash": {Provider: "gemini", InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash": {Provider: "gemini", InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-2.5-pro":   {Provider: "gemini", InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {Provider: "gemini", InputPer1K: 0.0003, OutputPer1K: 0.0025},

	"mistral-large-latest": {Provider: "mistral", InputPer1K: 0.002, OutputPer1K: 0.006},
	"mistral-small-latest": {Provider: "mistral", InputPer1K: 0.0002, OutputPer1K: 0.0006},
}

// Lookup returns the PriceEntry for modelID, or defaultPrice with ok=false
// if the model is not in the table.
func Lookup(modelID string) (PriceEntry, bool) {
	if p, ok := pricing[modelID]; ok {
		return p, true
	}
	return defaultPrice, false
}
