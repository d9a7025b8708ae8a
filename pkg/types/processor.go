package types

// ProcessorID identifies a charge processor backend.
type ProcessorID string

const (
	ProcessorStripe    ProcessorID = "stripe"
	ProcessorBraintree ProcessorID = "braintree"
	ProcessorPayPal    ProcessorID = "paypal"
)

// InstrumentKind is the family of a stored payment instrument. Processor
// selection must match the instrument: card instruments go to the card
// network processor, PayPal wallets to one of the PayPal-capable backends.
type InstrumentKind string

const (
	InstrumentCard         InstrumentKind = "card"
	InstrumentPayPalVault  InstrumentKind = "paypal_vault"
	InstrumentPayPalNative InstrumentKind = "paypal_native"
)

// PaymentInstrument references a stored payment method on a processor.
type PaymentInstrument struct {
	Kind        InstrumentKind `json:"kind"`
	Processor   ProcessorID    `json:"processor"`
	Token       string         `json:"token"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Country     string         `json:"country,omitempty"`
}

func (i *PaymentInstrument) Valid() bool {
	return i != nil && i.Token != "" && i.Processor != ""
}

type MerchantAccountType string

const (
	// MerchantAccountPlatform settles charges on a platform-operated account.
	MerchantAccountPlatform MerchantAccountType = "platform"
	// MerchantAccountSeller settles charges on the seller's own linked account.
	MerchantAccountSeller MerchantAccountType = "seller"
)

// MerchantAccount is the merchant of record resolved for a charge.
type MerchantAccount struct {
	ID        string              `json:"id" mapstructure:"id"`
	Type      MerchantAccountType `json:"type" mapstructure:"type"`
	Processor ProcessorID         `json:"processor" mapstructure:"processor"`
	// Country is the account's domicile, ISO 3166-1 alpha-2.
	Country string `json:"country" mapstructure:"country"`
}

func (m *MerchantAccount) SellerOwned() bool {
	return m != nil && m.Type == MerchantAccountSeller
}
