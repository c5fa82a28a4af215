package domain

// Field is the name of one structured value collected from the customer.
type Field string

const (
	FieldServiceKey       Field = "service_key"
	FieldNationality      Field = "nationality"
	FieldBusinessActivity Field = "business_activity"
	FieldJurisdiction     Field = "jurisdiction"
	FieldPartnersCount    Field = "partners_count"
	FieldVisasCount       Field = "visas_count"
	FieldTargetDate       Field = "target_date"
	FieldFullName         Field = "full_name"
)

// ServiceKey identifies a supported service line.
type ServiceKey string

const (
	ServiceBusinessSetup ServiceKey = "business_setup"
	ServiceFreelanceVisa ServiceKey = "freelance_visa"
	ServiceFamilyVisa    ServiceKey = "family_visa"
	ServiceGoldenVisa    ServiceKey = "golden_visa"
	ServiceVisaRenewal   ServiceKey = "visa_renewal"
)

// Question binds a required field to the question asked for it.
type Question struct {
	Field       Field
	QuestionKey string
	TemplateKey string
}

// ServiceDefinition describes the qualification flow of one service line.
type ServiceDefinition struct {
	Key ServiceKey
	// Questions is ordered; the planner asks the first unanswered one.
	Questions []Question
	// OfferTemplateKey is empty when the service has no fixed-price offer.
	OfferTemplateKey string
	// HighValue services always go to a human once qualified.
	HighValue bool
}

// RequiredFields returns the ordered required-field list of the service.
func (d ServiceDefinition) RequiredFields() []Field {
	fields := make([]Field, 0, len(d.Questions))
	for _, q := range d.Questions {
		fields = append(fields, q.Field)
	}
	return fields
}

// QuestionFor returns the question bound to field.
func (d ServiceDefinition) QuestionFor(field Field) (Question, bool) {
	for _, q := range d.Questions {
		if q.Field == field {
			return q, true
		}
	}
	return Question{}, false
}

// Question keys are shared across services so a customer is never asked the
// same thing twice after switching service lines.
const (
	QuestionService      = "ask_service"
	QuestionNationality  = "ask_nationality"
	QuestionActivity     = "ask_activity"
	QuestionJurisdiction = "ask_jurisdiction"
	QuestionPartners     = "ask_partners"
	QuestionVisas        = "ask_visas"
	QuestionTargetDate   = "ask_target_date"
	QuestionFullName     = "ask_full_name"
)

// Template keys that do not belong to a single service.
const (
	TemplateAskService  = "ask_service"
	TemplateHandover    = "handover"
	TemplateInfoGeneral = "info_general"
)

// UnknownServiceQuestion is asked while no service line is known.
var UnknownServiceQuestion = Question{
	Field:       FieldServiceKey,
	QuestionKey: QuestionService,
	TemplateKey: TemplateAskService,
}

var catalog = map[ServiceKey]ServiceDefinition{
	ServiceBusinessSetup: {
		Key: ServiceBusinessSetup,
		Questions: []Question{
			{Field: FieldJurisdiction, QuestionKey: QuestionJurisdiction, TemplateKey: "business_setup_jurisdiction"},
			{Field: FieldPartnersCount, QuestionKey: QuestionPartners, TemplateKey: "business_setup_partners"},
			{Field: FieldVisasCount, QuestionKey: QuestionVisas, TemplateKey: "business_setup_visas"},
			{Field: FieldBusinessActivity, QuestionKey: QuestionActivity, TemplateKey: "business_setup_activity"},
		},
		OfferTemplateKey: "offer_business_setup",
	},
	ServiceFreelanceVisa: {
		Key: ServiceFreelanceVisa,
		Questions: []Question{
			{Field: FieldNationality, QuestionKey: QuestionNationality, TemplateKey: "freelance_visa_nationality"},
			{Field: FieldBusinessActivity, QuestionKey: QuestionActivity, TemplateKey: "freelance_visa_activity"},
		},
		OfferTemplateKey: "offer_freelance_visa",
	},
	ServiceFamilyVisa: {
		Key: ServiceFamilyVisa,
		Questions: []Question{
			{Field: FieldNationality, QuestionKey: QuestionNationality, TemplateKey: "family_visa_nationality"},
			{Field: FieldVisasCount, QuestionKey: QuestionVisas, TemplateKey: "family_visa_dependents"},
		},
		OfferTemplateKey: "offer_family_visa",
	},
	ServiceGoldenVisa: {
		Key: ServiceGoldenVisa,
		Questions: []Question{
			{Field: FieldNationality, QuestionKey: QuestionNationality, TemplateKey: "golden_visa_nationality"},
			{Field: FieldFullName, QuestionKey: QuestionFullName, TemplateKey: "golden_visa_full_name"},
		},
		HighValue: true,
	},
	ServiceVisaRenewal: {
		Key: ServiceVisaRenewal,
		Questions: []Question{
			{Field: FieldNationality, QuestionKey: QuestionNationality, TemplateKey: "visa_renewal_nationality"},
			{Field: FieldTargetDate, QuestionKey: QuestionTargetDate, TemplateKey: "visa_renewal_expiry"},
		},
		OfferTemplateKey: "offer_visa_renewal",
	},
}

// LookupService returns the definition of key.
func LookupService(key ServiceKey) (ServiceDefinition, bool) {
	def, ok := catalog[key]
	return def, ok
}

// Services returns every supported service definition.
func Services() []ServiceDefinition {
	out := make([]ServiceDefinition, 0, len(catalog))
	for _, key := range []ServiceKey{ServiceBusinessSetup, ServiceFreelanceVisa, ServiceFamilyVisa, ServiceGoldenVisa, ServiceVisaRenewal} {
		out = append(out, catalog[key])
	}
	return out
}

// FollowUpCadenceDays is the number of silent days after the last inbound
// message at which each follow-up step fires.
var FollowUpCadenceDays = []int{2, 5, 12, 22}

// FollowUpTemplateKey returns the template for follow-up step (0-based).
func FollowUpTemplateKey(step int) string {
	if step < 0 || step >= len(FollowUpCadenceDays) {
		return ""
	}
	return followUpTemplateKeys[step]
}

var followUpTemplateKeys = []string{"followup_day_2", "followup_day_5", "followup_day_12", "followup_day_22"}
