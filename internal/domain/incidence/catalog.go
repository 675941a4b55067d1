package incidence

import (
	"fmt"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ehr/incidence/internal/domain/cohort"
)

var dentalTypes = map[string]string{
	"Dental Extraction":            "Dental",
	"Dental Extraction, Difficult": "Dental",
	"Dental COHAT (Lv 1-3)":        "Dental",
	"Dental COHAT (Lv 4-5)":        "Dental",
	"COHAT":                        "Dental",
}

var speciesGroups = map[string]string{
	"Cat": "Cat",
	"Dog": "Dog",
}

var sites = map[string]string{
	"Toronto Humane Society":                               "Shelter",
	"Toronto Humane Society Adoption Centre":               "Shelter",
	"Toronto Humane Society Public Veterinary Services":    "PVS",
	"Toronto Humane Society Spay Neuter Services":          "PVS",
	"Toronto Humane Society Spay Neuter Services - (HSDR)": "PVS",
}

// maxAgeWeeks closes open-ended age bands.
const maxAgeWeeks = 52 * 100

// PredefinedReports is the built-in report catalog.
var PredefinedReports = []ReportDefinition{
	{
		ID:                "dental-complications",
		Name:              "Dental Complications",
		Description:       "Share of dental procedures followed by a dental complication within 4 to 21 days",
		Granularity:       "month",
		LookbackYears:     1,
		Conditions:        []string{"Dehiscence, dental", "Ranula", "Incision complications", "Surgical complication"},
		ExcludeEventTypes: []string{"Dental Dehiscence Repair"},
		ExcludeLocations:  []string{"Off Site Clinic"},
		Classification:    dentalTypes,
		DefaultCategory:   "Other",
		MultipleRelabel:   "Dental",
		Window:            cohort.Window{Min: 4, Max: 21},
		Dimensions: []Dimension{
			{Name: "category", Source: SourceCategoryRefined},
			{Name: "site", Source: SourceSite, Map: sites, Default: "Other"},
		},
		Positive:        "Comp",
		Negative:        "NoComp",
		Precision:       1,
		TrailingBuckets: 13,
	},
	{
		ID:               "surgical-incidence",
		Name:             "Surgical Complication Incidence",
		Description:      "Share of spay and neuter surgeries with a surgical or anesthetic complication within 30 days",
		Granularity:      "month",
		LookbackYears:    1,
		Conditions:       []string{"Incision complications", "Surgical complication", "Anesthetic complication", "Anesthetic arrest"},
		ExcludeLocations: []string{"Off Site Clinic"},
		Classification: map[string]string{
			"Dental Extraction":              "Dental",
			"Dental Extraction, Difficult":   "Dental",
			"Dental COHAT (Lv 1-3)":          "Dental",
			"Dental COHAT (Lv 4-5)":          "Dental",
			"Orchidectomy":                   "Neuter",
			"Orchidectomy, cryptorchid":      "Neuter",
			"Orchidectomy Intra-Ab Crytorch": "Neuter",
			"Orchidectomy Inguinal":          "Neuter",
			"Ovariohysterectomy":             "Spay",
		},
		DefaultCategory: "Other",
		Window:          cohort.Window{Min: 0, Max: 30},
		Dimensions: []Dimension{
			{Name: "species", Source: "attr:species", Map: speciesGroups, Default: "Special Species"},
			{Name: "category", Source: SourceCategoryRefined},
			{Name: "site", Source: SourceSite, Map: sites, Default: "Other"},
		},
		Positive:        "Comp",
		Negative:        "NoComp",
		Precision:       1,
		CategoryFilter:  []string{"Spay", "Neuter"},
		TrailingBuckets: 13,
	},
	{
		ID:              "uri-infection",
		Name:            "Shelter-Acquired URI",
		Description:     "Share of intakes developing kennel cough or feline URI 4 to 365 days after intake, excluding conditions present within 3 days",
		Granularity:     "month",
		LookbackYears:   1,
		EventTypes:      []string{"Intake"},
		Conditions:      []string{"Kennel cough", "URI, feline"},
		DefaultCategory: "Intake",
		Window:          cohort.Window{Min: 4, Max: 365},
		Exclusion:       &cohort.Window{Min: 0, Max: 3},
		Dimensions: []Dimension{
			{Name: "species", Source: "attr:species", Map: speciesGroups, Default: "Special Species"},
		},
		Positive:        "Infected",
		Negative:        "Healthy",
		Base:            "Healthy",
		Precision:       2,
		TrailingBuckets: 13,
	},
	{
		ID:              "parvo-infection",
		Name:            "Shelter-Acquired Parvovirus",
		Description:     "Share of intakes diagnosed with parvovirus 4 to 365 days after intake, excluding cases found within 3 days",
		Granularity:     "month",
		LookbackYears:   1,
		EventTypes:      []string{"Intake"},
		Conditions:      []string{"Parvovirus, canine", "Parvovirus, feline, suspected", "Parvovirus, feline, confirmed"},
		DefaultCategory: "Intake",
		Window:          cohort.Window{Min: 4, Max: 365},
		Exclusion:       &cohort.Window{Min: 0, Max: 3},
		Dimensions: []Dimension{
			{Name: "species", Source: "attr:species", Map: speciesGroups, Default: "Special Species"},
			{Name: "age_group", Source: SourceAge, AgeAt: AgeAtBucketStart, Bands: []AgeBand{
				{Label: "Under 20 wks", MinWeeks: 0, MaxWeeks: 19},
				{Label: "Adult", MinWeeks: 20, MaxWeeks: maxAgeWeeks},
			}},
		},
		Positive:        "Infected",
		Negative:        "Healthy",
		Base:            "Healthy",
		Precision:       2,
		TrailingBuckets: 13,
	},
	{
		ID:              "delayed-euthanasia",
		Name:            "Delayed Euthanasia",
		Description:     "Share of intakes euthanized 4 to 21 days after intake",
		Granularity:     "month",
		LookbackYears:   1,
		EventTypes:      []string{"Intake"},
		Conditions:      []string{"Euthanasia"},
		DefaultCategory: "Intake",
		Window:          cohort.Window{Min: 4, Max: 21},
		Dimensions: []Dimension{
			{Name: "species", Source: "attr:species", Map: speciesGroups, Default: "Special Species"},
		},
		Positive:        "Euthanized",
		Negative:        "Other",
		Precision:       1,
		TrailingBuckets: 13,
	},
	{
		ID:              "kitten-mortality",
		Name:            "Kitten Mortality",
		Description:     "Weekly share of kittens up to 20 weeks old at the start of the week that died in care, by age band",
		Granularity:     "week",
		LookbackYears:   1,
		EventTypes:      []string{"Intake"},
		Conditions:      []string{"Died", "Euthanasia"},
		DefaultCategory: "Intake",
		Window:          cohort.Window{Min: 0, Max: 140},
		Dimensions: []Dimension{
			{Name: "age_group", Source: SourceAge, AgeAt: AgeAtBucketStart, Bands: []AgeBand{
				{Label: "0-2 wks", MinWeeks: 0, MaxWeeks: 2},
				{Label: "3-6 wks", MinWeeks: 3, MaxWeeks: 6},
				{Label: "7-12 wks", MinWeeks: 7, MaxWeeks: 12},
				{Label: "13-20 wks", MinWeeks: 13, MaxWeeks: 20},
			}},
		},
		Positive:        "Deceased",
		Negative:        "Alive",
		Precision:       2,
		TrailingBuckets: 53,
	},
}

// Catalog is an ordered, id-indexed set of report definitions.
type Catalog struct {
	reports []ReportDefinition
}

// NewCatalog validates defs. Later definitions replace earlier ones with the
// same id, keeping the original position.
func NewCatalog(defs ...ReportDefinition) (*Catalog, error) {
	c := &Catalog{}
	index := make(map[string]int)
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if i, ok := index[d.ID]; ok {
			c.reports[i] = d
			continue
		}
		index[d.ID] = len(c.reports)
		c.reports = append(c.reports, d)
	}
	return c, nil
}

// DefaultCatalog holds PredefinedReports.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(PredefinedReports...)
	if err != nil {
		panic(fmt.Sprintf("invalid predefined report: %v", err))
	}
	return c
}

// LoadCatalog reads report definitions from a YAML file under the "reports"
// key and merges them over PredefinedReports. An empty path returns the
// defaults.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	// Vocabulary keys may contain dots.
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load report catalog %s: %w", path, err)
	}

	var defs []ReportDefinition
	if err := k.UnmarshalWithConf("reports", &defs, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode report catalog %s: %w", path, err)
	}

	all := make([]ReportDefinition, 0, len(PredefinedReports)+len(defs))
	all = append(all, PredefinedReports...)
	all = append(all, defs...)
	return NewCatalog(all...)
}

// List returns every definition in catalog order.
func (c *Catalog) List() []ReportDefinition {
	out := make([]ReportDefinition, len(c.reports))
	copy(out, c.reports)
	return out
}

// Find looks up a report by id.
func (c *Catalog) Find(id string) (*ReportDefinition, bool) {
	for i := range c.reports {
		if c.reports[i].ID == id {
			d := c.reports[i]
			return &d, true
		}
	}
	return nil, false
}

// IDs returns the report ids, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.reports))
	for _, r := range c.reports {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}
