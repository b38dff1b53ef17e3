package flows

// Names of the built-in flows.
const (
	FlowCleanupDrawing = "cleanup-drawing"
	FlowFunnyName      = "funny-name"
	FlowTitle          = "title"
	FlowAvatar         = "avatar"
	FlowUpscale        = "upscale"
	FlowModerate       = "moderate"
)

type builtin struct {
	name        string
	description string
	input       string
	output      string
}

var builtins = []builtin{
	{
		name:        FlowCleanupDrawing,
		description: "Turns a freeform drawing into a clean illustration and describes it.",
		input: `{
  "type": "object",
  "properties": {
    "drawing": {"type": "string", "minLength": 1},
    "prompt": {"type": "string"}
  },
  "required": ["drawing"]
}`,
		output: `{
  "type": "object",
  "properties": {
    "image": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1}
  },
  "required": ["image", "description"]
}`,
	},
	{
		name:        FlowFunnyName,
		description: "Invents a funny name for the thing in the drawing.",
		input: `{
  "type": "object",
  "properties": {"description": {"type": "string", "minLength": 1}},
  "required": ["description"]
}`,
		output: `{
  "type": "object",
  "properties": {"name": {"type": "string", "minLength": 1}},
  "required": ["name"]
}`,
	},
	{
		name:        FlowTitle,
		description: "Writes a short title for the drawing.",
		input: `{
  "type": "object",
  "properties": {"description": {"type": "string", "minLength": 1}},
  "required": ["description"]
}`,
		output: `{
  "type": "object",
  "properties": {"title": {"type": "string", "minLength": 1, "maxLength": 120}},
  "required": ["title"]
}`,
	},
	{
		name:        FlowAvatar,
		description: "Draws an avatar from a title and description.",
		input: `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"}
  },
  "required": ["title"]
}`,
		output: `{
  "type": "object",
  "properties": {
    "image": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1}
  },
  "required": ["image", "description"]
}`,
	},
	{
		name:        FlowUpscale,
		description: "Upscales an image.",
		input: `{
  "type": "object",
  "properties": {
    "image": {"type": "string", "minLength": 1},
    "scale": {"type": "integer", "minimum": 2, "maximum": 4}
  },
  "required": ["image"]
}`,
		output: `{
  "type": "object",
  "properties": {"image": {"type": "string", "minLength": 1}},
  "required": ["image"]
}`,
	},
	{
		name:        FlowModerate,
		description: "Classifies text as safe or unsafe for a child-facing surface.",
		input: `{
  "type": "object",
  "properties": {"content": {"type": "string"}},
  "required": ["content"]
}`,
		output: `{
  "type": "object",
  "properties": {
    "isSafe": {"type": "boolean"},
    "reason": {"type": "string"}
  },
  "required": ["isSafe"]
}`,
	},
}

// RegisterBuiltins registers every built-in flow with executors taken from
// source.
func RegisterBuiltins(r *Registry, source ExecutorSource) error {
	for _, b := range builtins {
		input, err := NewContract([]byte(b.input))
		if err != nil {
			return err
		}
		output, err := NewContract([]byte(b.output))
		if err != nil {
			return err
		}
		if err := r.Register(b.name, input, output, source.Executor(b.name), WithDescription(b.description)); err != nil {
			return err
		}
	}
	return nil
}
