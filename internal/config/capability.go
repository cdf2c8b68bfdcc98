package config

import (
	"fmt"
	"strings"
)

// Capability tags a server with a category of work it can handle.
type Capability string

const (
	CapCodeAnalysis       Capability = "code_analysis"
	CapDocumentation      Capability = "documentation"
	CapTesting            Capability = "testing"
	CapDeployment         Capability = "deployment"
	CapMonitoring         Capability = "monitoring"
	CapSecurity           Capability = "security"
	CapDataProcessing     Capability = "data_processing"
	CapAIInference        Capability = "ai_inference"
	CapWorkflowAutomation Capability = "workflow_automation"
	CapIntegration        Capability = "integration"
)

var allCapabilities = []Capability{
	CapCodeAnalysis,
	CapDocumentation,
	CapTesting,
	CapDeployment,
	CapMonitoring,
	CapSecurity,
	CapDataProcessing,
	CapAIInference,
	CapWorkflowAutomation,
	CapIntegration,
}

// Capabilities returns every known capability in canonical order.
func Capabilities() []Capability {
	out := make([]Capability, len(allCapabilities))
	copy(out, allCapabilities)
	return out
}

// ParseCapability normalizes and checks a capability tag.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}
