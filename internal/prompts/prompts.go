// Package prompts holds the stage prompt templates. Prompts are written in
// Portuguese because narrations are.
package prompts

import (
	"fmt"
	"strings"

	"github.com/kalambet/optlog/internal/storage"
)

// Generative stages that take prompt fragments.
const (
	StageOrganize = "organize"
	StageExtract  = "extract"
	StageAnalyze  = "analyze"
	StageTouchUp  = "touchup"
)

// Blocks are the assembled context fragments injected into a prompt.
type Blocks struct {
	Guidance   string
	History    string
	Objectives string
}

// Prompt is a rendered system+user pair.
type Prompt struct {
	System string
	User   string
}

const organizeSystem = `Você organiza transcrições de narrações de gestores de tráfego pago que descrevem otimizações feitas em contas de anúncios.
Reescreva a transcrição como um log cronológico, em tópicos curtos, na ordem em que as ações foram narradas.
Regras:
- Preserve todos os nomes de campanhas, conjuntos, anúncios, valores, percentuais e métricas exatamente como ditos.
- Corrija apenas erros evidentes de transcrição usando as orientações da conta.
- Não invente ações, números ou justificativas que não estejam na transcrição.
- Responda somente com o log, sem introdução nem conclusão.`

const extractSystem = `Você extrai as ações de otimização de um log de narração de tráfego pago.
Produza uma lista em que cada linha começa com "• [CATEGORIA]" seguida da descrição objetiva da ação.
Categorias permitidas:
- [VERBA] mudanças de orçamento, lances ou distribuição de verba
- [CRIATIVO] novos criativos, pausas ou trocas de peças
- [PÚBLICO] mudanças de segmentação, públicos ou posicionamentos
- [COPY] mudanças de textos, títulos ou chamadas
- [OUTRO] qualquer outra ação
Regras:
- Uma ação por linha.
- Preserve valores, percentuais e nomes exatamente como no texto.
- Não inclua ações que não foram narradas.
- Responda somente com a lista.`

const analyzeSystem = `Você é um analista de performance de mídia paga. A partir da narração de uma otimização, produza um registro estruturado.
Responda SOMENTE com um objeto JSON válido, sem markdown, com exatamente estas chaves:
{
  "executive_summary": string (2 a 4 frases),
  "actions_taken": [
    {"type": um de %s,
     "target": string (campanha, conjunto ou anúncio afetado),
     "reason": string,
     "expected_impact": string opcional,
     "before_metrics": objeto opcional de métrica -> número ou texto}
  ],
  "metrics": objeto de métrica -> número ou texto (use {} se nenhuma métrica foi citada),
  "strategy": {"type": string, "duration_days": inteiro, "success_criteria": string, "hypothesis": string opcional, "target_metric": string opcional, "target_value": número ou texto opcional} ou null,
  "timeline": {"reevaluation_date": "AAAA-MM-DD", "milestones": [{"date": "AAAA-MM-DD", "description": string}]} ou null,
  "confidence_level": "high" | "medium" | "low"
}
Regras:
- Use "increase_budget" para aumentos de orçamento e "decrease_budget" para reduções.
- Não invente métricas nem ações; se algo não foi dito, omita.
- Use "low" em confidence_level quando a narração for vaga.`

const touchUpSystem = `Você edita um texto aplicando SOMENTE a alteração pedida na instrução.
Preserve todo o restante do texto exatamente como está: conteúdo, ordem, formatação, números e nomes.
Responda somente com o texto completo revisado, sem comentários.`

func renderBlocks(sb *strings.Builder, b Blocks) {
	if strings.TrimSpace(b.Guidance) != "" {
		fmt.Fprintf(sb, "[Orientações da conta]\n%s\n\n", strings.TrimSpace(b.Guidance))
	}
	if strings.TrimSpace(b.History) != "" {
		fmt.Fprintf(sb, "[Otimizações anteriores desta conta]\n%s\n\n", strings.TrimSpace(b.History))
	}
	if strings.TrimSpace(b.Objectives) != "" {
		fmt.Fprintf(sb, "[Objetivos]\n%s\n\n", strings.TrimSpace(b.Objectives))
	}
}

// Organize renders the raw-to-log prompt.
func Organize(b Blocks, raw string) Prompt {
	var sb strings.Builder
	renderBlocks(&sb, Blocks{Guidance: b.Guidance, Objectives: b.Objectives})
	fmt.Fprintf(&sb, "[Transcrição]\n%s", raw)
	return Prompt{System: organizeSystem, User: sb.String()}
}

// Extract renders the bulleted action list prompt.
func Extract(b Blocks, text string) Prompt {
	var sb strings.Builder
	renderBlocks(&sb, b)
	fmt.Fprintf(&sb, "[Log da otimização]\n%s", text)
	return Prompt{System: extractSystem, User: sb.String()}
}

// Analyze renders the structured analysis prompt.
func Analyze(b Blocks, text string) Prompt {
	quoted := make([]string, len(storage.ActionTypes))
	for i, t := range storage.ActionTypes {
		quoted[i] = `"` + t + `"`
	}
	var sb strings.Builder
	renderBlocks(&sb, b)
	fmt.Fprintf(&sb, "[Narração da otimização]\n%s", text)
	return Prompt{System: fmt.Sprintf(analyzeSystem, strings.Join(quoted, ", ")), User: sb.String()}
}

// TouchUp renders an instruction-guided edit prompt.
func TouchUp(text, instruction string) Prompt {
	return Prompt{
		System: touchUpSystem,
		User:   fmt.Sprintf("[Instrução]\n%s\n\n[Texto]\n%s", strings.TrimSpace(instruction), text),
	}
}

// GenericObjectives is the fallback when no override is configured.
func GenericObjectives(platform string, objectives []string) string {
	if len(objectives) == 0 {
		return "Considere os objetivos gerais de desempenho da conta."
	}
	if platform == "" {
		platform = storage.PlatformOther
	}
	return fmt.Sprintf("Plataforma: %s. Priorize as ações e métricas relevantes para os objetivos: %s.",
		platform, strings.Join(objectives, ", "))
}
