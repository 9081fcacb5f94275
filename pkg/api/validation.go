package api

import "fmt"

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxInputItems int
	MaxTools      int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxInputItems: 1000,
		MaxTools:      128,
	}
}

// ValidateRequest checks the fields the gateway depends on and returns the
// first problem found.
func ValidateRequest(req *CreateResponseRequest, cfg ValidationConfig) *APIError {
	if len(req.Messages) > 0 {
		return NewInvalidRequestError("messages", "messages is not supported on /v1/responses; use input")
	}

	if req.Model == "" {
		return NewInvalidRequestError("model", "model is required")
	}

	if req.Input.Empty() && req.Instructions == "" {
		return NewInvalidRequestError("input", "input is required")
	}

	if req.N != nil && *req.N > 1 {
		return NewInvalidRequestError("n", "only n=1 is supported")
	}

	if cfg.MaxInputItems > 0 && len(req.Input.Items) > cfg.MaxInputItems {
		return NewInvalidRequestError("input",
			fmt.Sprintf("input exceeds maximum of %d items", cfg.MaxInputItems))
	}

	if cfg.MaxTools > 0 && len(req.Tools) > cfg.MaxTools {
		return NewInvalidRequestError("tools",
			fmt.Sprintf("tools exceeds maximum of %d", cfg.MaxTools))
	}

	if req.MaxOutputTokens != nil && *req.MaxOutputTokens <= 0 {
		return NewInvalidRequestError("max_output_tokens", "max_output_tokens must be positive")
	}

	for i, item := range req.Input.Items {
		if apiErr := validateItem(i, &item); apiErr != nil {
			return apiErr
		}
	}

	if name := req.ToolChoice.ForcedName(); name != "" {
		found := false
		for _, tool := range req.Tools {
			if tool.Name == name {
				found = true
				break
			}
		}
		if !found {
			return NewInvalidRequestError("tool_choice",
				fmt.Sprintf("tool_choice references unknown tool %q", name))
		}
	}

	return nil
}

func validateItem(i int, item *Item) *APIError {
	param := fmt.Sprintf("input[%d]", i)
	switch item.Type {
	case ItemTypeMessage:
		switch item.Message.Role {
		case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant:
		default:
			return NewInvalidRequestError(param+".role", fmt.Sprintf("unsupported role %q", item.Message.Role))
		}
	case ItemTypeFunctionCallOutput:
		if item.FunctionCallOutput.CallID == "" {
			return NewInvalidRequestError(param+".call_id", "function_call_output requires call_id")
		}
	case ItemTypeFunctionCall, ItemTypeInputText, ItemTypeInputImage:
	default:
		return NewInvalidRequestError(param+".type", fmt.Sprintf("unsupported input item type %q", item.Type))
	}
	return nil
}
