package chat

// DefaultTemplate is the template id used when a request names none.
const DefaultTemplate = "chatml"

// Builtin returns the template collection compiled into the binary. A
// collection loaded with LoadFile replaces it wholesale.
func Builtin() Templates {
	return Templates{
		"chatml": {
			System:    RoleTags{Prefix: "<|im_start|>system\n", Suffix: "<|im_end|>\n"},
			User:      RoleTags{Prefix: "<|im_start|>user\n", Suffix: "<|im_end|>\n"},
			Assistant: RoleTags{Prefix: "<|im_start|>assistant\n", Suffix: "<|im_end|>\n"},

			ReversePrompt: "<|im_start|>user\n",

			SystemHasSuffix:    true,
			SystemHasEnd:       true,
			FirstUserHasBegin:  true,
			FirstUserHasPrefix: true,
		},
		// the first user turn rides inside the system block: no suffix/end
		// on the first system message, no begin/prefix on the first user one
		"llama2": {
			Global: RoleTags{Begin: "<s>"},
			System: RoleTags{Prefix: "[INST] <<SYS>>\n", Suffix: "\n<</SYS>>\n\n", End: " [/INST]"},
			User:   RoleTags{Begin: "<s>", Prefix: "[INST] ", End: " [/INST]"},

			SystemHasSuffix:    true,
			SystemHasEnd:       false,
			FirstUserHasBegin:  false,
			FirstUserHasPrefix: false,
		},
	}
}
