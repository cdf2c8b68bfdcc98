package router

import (
	"sort"
	"strings"

	"github.com/mattjoyce/switchyard/internal/config"
)

var capabilityKeywords = []struct {
	capability config.Capability
	keywords   []string
}{
	{config.CapCodeAnalysis, []string{
		"code", "analysis", "lint", "review", "syntax", "bug", "refactor",
		"quality", "complexity", "smell", "pattern", "ast", "parse",
	}},
	{config.CapDocumentation, []string{
		"docs", "documentation", "readme", "guide", "tutorial", "manual",
		"comment", "docstring", "explain", "describe", "wiki",
	}},
	{config.CapTesting, []string{
		"test", "testing", "unittest", "pytest", "coverage", "mock",
		"assertion", "verify", "validate", "check", "spec",
	}},
	{config.CapDeployment, []string{
		"deploy", "deployment", "release", "build", "ci", "cd", "pipeline",
		"docker", "kubernetes", "helm", "terraform",
	}},
	{config.CapMonitoring, []string{
		"monitor", "metrics", "logs", "alert", "performance", "health",
		"trace", "observability", "prometheus", "grafana",
	}},
	{config.CapSecurity, []string{
		"security", "vulnerability", "auth", "permission", "encrypt",
		"secure", "threat", "scan", "audit", "compliance",
	}},
	{config.CapDataProcessing, []string{
		"data", "process", "transform", "etl", "pipeline", "batch",
		"stream", "analytics", "database", "query",
	}},
	{config.CapAIInference, []string{
		"ai", "ml", "model", "inference", "predict", "classify",
		"neural", "deep", "learning", "tensorflow", "pytorch",
	}},
	{config.CapWorkflowAutomation, []string{
		"workflow", "automation", "trigger", "schedule", "job",
		"task", "orchestration", "pipeline", "action",
	}},
	{config.CapIntegration, []string{
		"integration", "api", "webhook", "connect", "sync", "interface",
		"bridge", "adapter", "plugin", "extension",
	}},
}

// ScoreContent rates how strongly content suggests each capability: the
// fraction of the capability's keywords found as substrings of the
// lowercased content. Capabilities with no hits are omitted.
func ScoreContent(content string) map[config.Capability]float64 {
	scores := make(map[config.Capability]float64)
	if content == "" {
		return scores
	}
	content = strings.ToLower(content)
	for _, ck := range capabilityKeywords {
		hits := 0
		for _, kw := range ck.keywords {
			if strings.Contains(content, kw) {
				hits++
			}
		}
		if hits > 0 {
			scores[ck.capability] = min(float64(hits)/float64(len(ck.keywords)), 1.0)
		}
	}
	return scores
}

// topCapabilities returns up to n capabilities by descending score, ties in
// canonical order.
func topCapabilities(scores map[config.Capability]float64, n int) []config.Capability {
	caps := make([]config.Capability, 0, len(scores))
	for _, ck := range capabilityKeywords {
		if _, ok := scores[ck.capability]; ok {
			caps = append(caps, ck.capability)
		}
	}
	sort.SliceStable(caps, func(i, j int) bool {
		return scores[caps[i]] > scores[caps[j]]
	})
	if len(caps) > n {
		caps = caps[:n]
	}
	return caps
}
