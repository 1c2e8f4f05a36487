package messages

import (
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
)

type ProgramLine struct {
	Name     string
	Progress int64
	Target   int64
	Points   bool
}

type RewardLine struct {
	ProgramName string
	RewardName  string
}

type ConfirmationData struct {
	MerchantName  string
	Amount        string
	Address       string
	PurchaseCount int64
	Programs      []ProgramLine
	Rewards       []RewardLine
}

// NewConfirmation builds the confirmation view. A reward line is added only
// for programs that became redeemable with this purchase.
func NewConfirmation(merchantName string, result ledger.Result, programs []loyalty.ProgramResult) ConfirmationData {
	p := result.Purchase
	data := ConfirmationData{
		MerchantName: merchantName,
		Amount:       p.Amount.StringFixed(2),
		Address:      p.Address,
	}
	if data.MerchantName == "" {
		data.MerchantName = p.MerchantName
	}
	if result.Summary != nil {
		data.PurchaseCount = result.Summary.PurchaseCount
	}

	for _, r := range programs {
		if r.Eligible {
			data.Programs = append(data.Programs, ProgramLine{
				Name:     r.ProgramName,
				Progress: r.Progress,
				Target:   r.Target,
				Points:   r.Type == loyalty.ProgramPoints,
			})
		}
		if r.BecameRedeemable {
			reward := RewardLine{ProgramName: r.ProgramName, RewardName: r.RewardName}
			if r.Type == loyalty.ProgramPoints && len(r.AvailableRewards) > 0 {
				reward.RewardName = r.AvailableRewards[0].Name
			}
			data.Rewards = append(data.Rewards, reward)
		}
	}
	return data
}

var fieldLabels = map[string]map[extractor.Field]string{
	"es": {extractor.FieldTaxID: "RUC", extractor.FieldAmount: "monto total"},
	"en": {extractor.FieldTaxID: "tax id", extractor.FieldAmount: "total amount"},
}

type UnreadableData struct {
	Missing []string
}

// NewUnreadable names the missing fields in the given locale.
func NewUnreadable(locale string, missing []extractor.Field) UnreadableData {
	labels, ok := fieldLabels[locale]
	if !ok {
		labels = fieldLabels[DefaultLocale]
	}
	data := UnreadableData{}
	for _, f := range missing {
		if label, ok := labels[f]; ok {
			data.Missing = append(data.Missing, label)
		} else {
			data.Missing = append(data.Missing, string(f))
		}
	}
	return data
}

type UnknownMerchantData struct {
	TaxID string
}

type DuplicateData struct {
	MerchantName string
}

type WelcomeData struct {
	Name string
}
