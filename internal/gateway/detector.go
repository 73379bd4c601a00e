package gateway

import (
	"strconv"
	"strings"

	"github.com/avhall/leverbot/internal/domain"
)

// The detector prefers the exchange's stopOrderType hint and falls back to
// the order link prefixes the REST client stamps on its own orders.
const (
	linkPrefixEntry = domain.OrderLinkPrefixEntry
	linkPrefixTP    = domain.OrderLinkPrefixTP
	linkPrefixSL    = domain.OrderLinkPrefixSL
)

// Detector classifies execution and order frames into entry, take-profit,
// stop-loss, trailing-stop, or unknown. It is stateless.
type Detector struct{}

// NewDetector creates an execution detector.
func NewDetector() *Detector {
	return &Detector{}
}

// ClassifyExecution classifies an execution-topic fill.
func (d *Detector) ClassifyExecution(exec domain.ExecutionUpdate) domain.ExecutionClass {
	return classify(exec.StopOrderType, exec.OrderLinkID)
}

// ClassifyOrder classifies an order-topic update. Only filled conditional
// orders are interesting on this path; everything else is unknown.
func (d *Detector) ClassifyOrder(ord domain.OrderUpdate) domain.ExecutionClass {
	if ord.OrderStatus != "Filled" {
		return domain.ExecutionClass{Kind: domain.ExecutionUnknown}
	}
	return classify(ord.StopOrderType, ord.OrderLinkID)
}

// classify maps the exchange's stopOrderType hint, then the bot's own order
// link convention, to an execution class.
func classify(stopOrderType, orderLinkID string) domain.ExecutionClass {
	switch stopOrderType {
	case "TakeProfit", "PartialTakeProfit":
		return domain.ExecutionClass{Kind: domain.ExecutionTakeProfit, Level: tpLevelFromLink(orderLinkID)}
	case "StopLoss", "PartialStopLoss":
		return domain.ExecutionClass{Kind: domain.ExecutionStopLoss}
	case "TrailingStop":
		return domain.ExecutionClass{Kind: domain.ExecutionTrailingStop}
	}

	link := strings.ToLower(orderLinkID)
	switch {
	case strings.HasPrefix(link, linkPrefixEntry):
		return domain.ExecutionClass{Kind: domain.ExecutionEntry}
	case strings.HasPrefix(link, linkPrefixTP):
		return domain.ExecutionClass{Kind: domain.ExecutionTakeProfit, Level: tpLevelFromLink(orderLinkID)}
	case strings.HasPrefix(link, linkPrefixSL):
		return domain.ExecutionClass{Kind: domain.ExecutionStopLoss}
	case stopOrderType == "" && orderLinkID == "":
		// Plain market/limit fill with no link: treat as an entry fill.
		return domain.ExecutionClass{Kind: domain.ExecutionEntry}
	}

	return domain.ExecutionClass{Kind: domain.ExecutionUnknown}
}

// tpLevelFromLink extracts the ladder level from link ids like "lev-tp2-9f3a"
// or "TP3". Returns 0 when no level is encoded; callers resolve level 0 by
// price against the ladder.
func tpLevelFromLink(orderLinkID string) int {
	link := strings.ToLower(orderLinkID)
	idx := strings.Index(link, "tp")
	if idx < 0 {
		return 0
	}
	rest := link[idx+2:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	level, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return level
}
