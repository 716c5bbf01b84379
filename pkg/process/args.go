package process

import "strings"

// TemplateArgs builds arguments from templates, replacing {{model}},
// {{system_prompt}} and {{message}} in each entry. An entry that is exactly
// "{{model}}" or "{{system_prompt}}" is dropped together with the flag before
// it when the value is empty.
func TemplateArgs(templates []string) ArgsBuilder {
	templates = append([]string(nil), templates...)

	return func(req Request) []string {
		replacer := strings.NewReplacer(
			"{{model}}", req.Model,
			"{{system_prompt}}", req.SystemPrompt,
			"{{message}}", req.Message,
		)

		args := make([]string, 0, len(templates))
		for _, tmpl := range templates {
			if (tmpl == "{{model}}" && req.Model == "") || (tmpl == "{{system_prompt}}" && req.SystemPrompt == "") {
				if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "-") {
					args = args[:n-1]
				}
				continue
			}
			args = append(args, replacer.Replace(tmpl))
		}
		return args
	}
}
