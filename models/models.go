package models

// EntitySummary is the slice of a character record the combat engine needs
// when a player-controlled combatant joins: never the full sheet.
type EntitySummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CurrentHP     int    `json:"current_hp"`
	MaxHP         int    `json:"max_hp"`
	ArmorClass    int    `json:"armor_class"`
	Speed         int    `json:"speed"`
	InitiativeMod int    `json:"initiative_mod"`
}

// MonsterDefaults are catalog values copied into an independent combatant
// at add time. The engine stores the resolved numbers, so later catalog
// edits never reach in-flight combat.
type MonsterDefaults struct {
	Name       string `json:"name"`
	MaxHP      int    `json:"max_hp"`
	ArmorClass int    `json:"armor_class"`
	Speed      int    `json:"speed"`
	DexMod     int    `json:"dex_mod"`
}
