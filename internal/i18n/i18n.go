// Package i18n renders user-visible startup messages in the configured locale.
package i18n

import (
	"errors"
	"fmt"

	"golang.org/x/text/language"
)

// Key identifies a message in the catalog.
type Key string

const (
	PortInUse             Key = "port_in_use"
	CertificateGeneration Key = "certificate_generation"
	ModuleLoad            Key = "module_load"
	ModuleMountConflict   Key = "module_mount_conflict"
	ModuleMountReserved   Key = "module_mount_reserved"
	ModuleMountEmpty      Key = "module_mount_empty"
	ModuleMountInvalid    Key = "module_mount_invalid"
	PinIssued             Key = "pin_issued"
	ServerStarted         Key = "server_started"
)

// DefaultLang is used when a requested locale has no catalog.
const DefaultLang = "en"

var catalogs = map[language.Tag]map[Key]string{
	language.English: {
		PortInUse:             "Unable to start server on port %d. Address already in use.",
		CertificateGeneration: "Unable to generate certificates (%s): %v",
		ModuleLoad:            "Unable to load module %q: %v",
		ModuleMountConflict:   "Mount path %q is used by more than one module: %v",
		ModuleMountReserved:   "Mount path %q of module %q is reserved by the server",
		ModuleMountEmpty:      "Module %q has no mount path",
		ModuleMountInvalid:    "Mount path %q of module %q contains characters that cannot be routed",
		PinIssued:             "Pairing pin %s is valid until %s",
		ServerStarted:         "Remote build server listening on port %d",
	},
	language.French: {
		PortInUse:             "Impossible de démarrer le serveur sur le port %d. Adresse déjà utilisée.",
		CertificateGeneration: "Impossible de générer les certificats (%s) : %v",
		ModuleLoad:            "Impossible de charger le module %q : %v",
		ModuleMountConflict:   "Le chemin de montage %q est utilisé par plusieurs modules : %v",
		ModuleMountReserved:   "Le chemin de montage %q du module %q est réservé par le serveur",
		ModuleMountEmpty:      "Le module %q n'a pas de chemin de montage",
		ModuleMountInvalid:    "Le chemin de montage %q du module %q contient des caractères non routables",
		PinIssued:             "Le code d'appairage %s est valide jusqu'à %s",
		ServerStarted:         "Serveur de compilation à distance à l'écoute sur le port %d",
	},
	language.German: {
		PortInUse:             "Server kann auf Port %d nicht gestartet werden. Adresse wird bereits verwendet.",
		CertificateGeneration: "Zertifikate konnten nicht erzeugt werden (%s): %v",
		ModuleLoad:            "Modul %q konnte nicht geladen werden: %v",
		ModuleMountConflict:   "Der Pfad %q wird von mehreren Modulen verwendet: %v",
		ModuleMountReserved:   "Der Pfad %q von Modul %q ist für den Server reserviert",
		ModuleMountEmpty:      "Modul %q hat keinen Pfad",
		ModuleMountInvalid:    "Der Pfad %q von Modul %q enthält nicht routbare Zeichen",
		PinIssued:             "Kopplungs-PIN %s ist gültig bis %s",
		ServerStarted:         "Remote-Build-Server lauscht auf Port %d",
	},
}

// supported lists the catalogs in matcher order; the first entry is the fallback.
var supported = []language.Tag{
	language.English,
	language.French,
	language.German,
}

var matcher = language.NewMatcher(supported)

// Localizer is implemented by errors that can describe themselves in a locale.
type Localizer interface {
	Localize(lang string) string
}

// Sprintf formats the message for key in the locale closest to lang.
func Sprintf(lang string, key Key, args ...any) string {
	_, idx := language.MatchStrings(matcher, lang)
	if format, ok := catalogs[supported[idx]][key]; ok {
		return fmt.Sprintf(format, args...)
	}

	if format, ok := catalogs[language.English][key]; ok {
		return fmt.Sprintf(format, args...)
	}

	return string(key)
}

// Describe returns the localized message of the first Localizer in err's chain,
// or err.Error() when there is none.
func Describe(err error, lang string) string {
	if err == nil {
		return ""
	}

	var l Localizer
	if errors.As(err, &l) {
		return l.Localize(lang)
	}

	return err.Error()
}
