package catalog

import "sort"

// DefaultKey is used when a request omits countryKey.
const DefaultKey = "philippines_51"

// Country is one purchasable entry of the price table. Code is the vendor's
// numeric country id.
type Country struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Country string `json:"country"`
	Price   int64  `json:"price"`
	Flag    string `json:"flag"`
}

var defaultCountries = []Country{
	{Key: "philippines_51", Code: "51", Name: "Philippines (Server 1)", Country: "Philippines", Price: 52, Flag: "🇵🇭"},
	{Key: "philippines_4", Code: "4", Name: "Philippines (Server 2)", Country: "Philippines", Price: 60, Flag: "🇵🇭"},
	{Key: "indonesia_6", Code: "6", Name: "Indonesia", Country: "Indonesia", Price: 45, Flag: "🇮🇩"},
	{Key: "india_22", Code: "22", Name: "India", Country: "India", Price: 40, Flag: "🇮🇳"},
	{Key: "vietnam_10", Code: "10", Name: "Vietnam", Country: "Vietnam", Price: 48, Flag: "🇻🇳"},
	{Key: "thailand_52", Code: "52", Name: "Thailand", Country: "Thailand", Price: 65, Flag: "🇹🇭"},
	{Key: "malaysia_7", Code: "7", Name: "Malaysia", Country: "Malaysia", Price: 70, Flag: "🇲🇾"},
}

// Catalog is the read-only country table.
type Catalog struct {
	byKey map[string]Country
	list  []Country
}

// New builds a catalog from entries. Later duplicates of a key are ignored.
func New(entries []Country) *Catalog {
	c := &Catalog{byKey: make(map[string]Country, len(entries))}
	for _, e := range entries {
		if _, dup := c.byKey[e.Key]; dup {
			continue
		}
		c.byKey[e.Key] = e
		c.list = append(c.list, e)
	}
	sort.SliceStable(c.list, func(i, j int) bool { return c.list[i].Key < c.list[j].Key })
	return c
}

// Default returns the built-in price table.
func Default() *Catalog {
	return New(defaultCountries)
}

// Lookup returns the entry for key.
func (c *Catalog) Lookup(key string) (Country, bool) {
	e, ok := c.byKey[key]
	return e, ok
}

// All returns a copy of every entry, sorted by key.
func (c *Catalog) All() []Country {
	return append([]Country(nil), c.list...)
}
