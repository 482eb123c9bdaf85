// Package scrapers links every scraper into the binary. Import it for its
// side effects.
package scrapers

import (
	_ "github.com/JakeFAU/fnscraper/internal/scrapers/ukparliamentbills" // register
	_ "github.com/JakeFAU/fnscraper/internal/scrapers/usfederalregister" // register
)
