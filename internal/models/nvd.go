package models

// NVDResponse is one page of the NVD CVE API 2.0, also the layout of the
// bulk JSON feed files
type NVDResponse struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	StartIndex      int                `json:"startIndex"`
	TotalResults    int                `json:"totalResults"`
	Format          string             `json:"format"`
	Version         string             `json:"version"`
	Timestamp       string             `json:"timestamp"`
	Vulnerabilities []NVDVulnerability `json:"vulnerabilities"`
}

// NVDVulnerability wraps a single CVE entry
type NVDVulnerability struct {
	CVE NVDCVE `json:"cve"`
}

// NVDCVE holds the CVE fields used for correlation
type NVDCVE struct {
	ID           string          `json:"id"`
	Published    string          `json:"published"`
	LastModified string          `json:"lastModified"`
	VulnStatus   string          `json:"vulnStatus"`
	Descriptions []NVDLangString `json:"descriptions"`
	Weaknesses   []NVDWeakness   `json:"weaknesses"`
}

// NVDWeakness is a weakness assertion from one source
type NVDWeakness struct {
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Description []NVDLangString `json:"description"`
}

// NVDLangString is a localized text value
type NVDLangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}
