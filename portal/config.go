package portal

import (
	"time"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/ledger"
)

// Config describes the portal: where it lives, how to log in, and the
// locators of every element the driver touches. The defaults target the
// cooperative's "Geração de Lote" workflow.
type Config struct {
	LoginURL  string `yaml:"login_url"`
	SearchURL string `yaml:"search_url"`
	UploadURL string `yaml:"upload_url"`

	CPF      string `yaml:"cpf"`
	Code     string `yaml:"code"`
	Password string `yaml:"password"`

	// Company is the visible text of the company filter option.
	Company string `yaml:"company"`

	Selectors Selectors      `yaml:"selectors"`
	Columns   ledger.Columns `yaml:"columns"`

	// StaticCookies are sent with every upload next to the browser's own
	// session cookies.
	StaticCookies map[string]string `yaml:"static_cookies"`
	// UploadFields are the fixed form fields of the upload request; the
	// control code is added as "controle".
	UploadFields map[string]string `yaml:"upload_fields"`
	// FileField is the multipart field carrying the image.
	FileField string `yaml:"file_field"`

	Browser BrowserConfig `yaml:"browser"`

	// NavigationTimeout bounds page loads. Default: 30s.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	// ElementTimeout bounds waits for an element to appear. Default: 20s.
	ElementTimeout time.Duration `yaml:"element_timeout"`
	// UploadTimeout bounds the multipart transfer. Default: 120s.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	// ScrollAttempts caps the virtualized-table scroll loop. Default: 20.
	ScrollAttempts int `yaml:"scroll_attempts"`
	// ScrollPause is the wait between scroll steps. Default: 500ms.
	ScrollPause time.Duration `yaml:"scroll_pause"`
}

// Selectors locates portal elements. Fields ending in X are XPath
// expressions, the others CSS selectors.
type Selectors struct {
	CPF          string `yaml:"cpf"`
	Code         string `yaml:"code"`
	Password     string `yaml:"password"`
	LoginButtonX string `yaml:"login_button_x"`
	OverlayX     string `yaml:"overlay_x"`
	MenuX        string `yaml:"menu_x"`
	MenuBatchX   string `yaml:"menu_batch_x"`
	Company      string `yaml:"company"`
	MonthYear    string `yaml:"month_year"`
	Search       string `yaml:"search"`
	Table        string `yaml:"table"`
	// Slots maps a document type to its attach button.
	Slots       map[claim.DocType]string `yaml:"slots"`
	UploadFrame string                   `yaml:"upload_frame"`
	ProcedureX  string                   `yaml:"procedure_x"`
	Send        string                   `yaml:"send"`
}

// BrowserConfig selects the Chrome instance.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local one.
	RemoteURL string `yaml:"remote_url"`
	// Headless local Chrome. Default: true.
	Headless *bool `yaml:"headless"`
	// Bin overrides the Chrome binary path.
	Bin string `yaml:"bin"`
}

// HeadlessOrDefault reports the effective headless flag.
func (b BrowserConfig) HeadlessOrDefault() bool {
	return b.Headless == nil || *b.Headless
}

// DefaultSelectors are the locators of the production portal.
func DefaultSelectors() Selectors {
	return Selectors{
		CPF:          "#campoCpf",
		Code:         "#campoCodigo",
		Password:     "#campoSenha",
		LoginButtonX: "/html/body/div[2]/section/div[3]/div/div/div/div/form/div/div[4]/div/div/button",
		OverlayX:     "/html/body/div[1]/div[1]/div/a",
		MenuX:        "/html/body/div[1]/div[3]/div[2]/div/div[4]/nav/ul/li[6]/a",
		MenuBatchX:   "/html/body/div[1]/div[3]/div[2]/div/div[4]/nav/ul/li[6]/ul/li[1]/a",
		Company:      "#empresaLote",
		MonthYear:    "#mesAno",
		Search:       "#pesquisarGuia",
		Table:        "#tabelaListagem",
		Slots: map[claim.DocType]string{
			claim.DocRX:  "#AnexarRx1",
			claim.DocGTO: "#AnexarRx2",
		},
		UploadFrame: "iframe#TB_iframeContent, iframe[src*='imagens_lote_guias.php']",
		ProcedureX:  "//select[starts-with(@id, 'procedimento')]",
		Send:        "#btnEnviarArquivoImagem",
	}
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.LoginURL == "" {
		c.LoginURL = "https://www.uniodontosc.coop.br/cooperados/index.php"
	}
	if c.SearchURL == "" {
		c.SearchURL = "https://www.sisoweb.coop.br/web/cooperados/gerar.lote.php#"
	}
	if c.UploadURL == "" {
		c.UploadURL = "https://www.sisoweb.coop.br/web/cooperados/upload.process.imagens.php"
	}
	if c.Company == "" {
		c.Company = "Todos"
	}
	c.Selectors.fill(DefaultSelectors())
	if c.Columns == (ledger.Columns{}) {
		c.Columns = ledger.DefaultColumns
	}
	if c.StaticCookies == nil {
		c.StaticCookies = map[string]string{"loginCooperados": "1"}
	}
	if c.UploadFields == nil {
		c.UploadFields = map[string]string{"baixada": "f", "liberada": "f", "pendente": "f"}
	}
	if c.FileField == "" {
		c.FileField = "files[]"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 20 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 120 * time.Second
	}
	if c.ScrollAttempts <= 0 {
		c.ScrollAttempts = 20
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 500 * time.Millisecond
	}
}

func (s *Selectors) fill(d Selectors) {
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	set(&s.CPF, d.CPF)
	set(&s.Code, d.Code)
	set(&s.Password, d.Password)
	set(&s.LoginButtonX, d.LoginButtonX)
	set(&s.OverlayX, d.OverlayX)
	set(&s.MenuX, d.MenuX)
	set(&s.MenuBatchX, d.MenuBatchX)
	set(&s.Company, d.Company)
	set(&s.MonthYear, d.MonthYear)
	set(&s.Search, d.Search)
	set(&s.Table, d.Table)
	set(&s.UploadFrame, d.UploadFrame)
	set(&s.ProcedureX, d.ProcedureX)
	set(&s.Send, d.Send)
	if s.Slots == nil {
		s.Slots = d.Slots
	}
}
