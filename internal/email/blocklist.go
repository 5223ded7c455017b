package email

// defaultDisposableDomains is the built-in disposable-address block set.
// Deployments extend it through config (validation.disposable_domains);
// the built-ins cover the providers that show up constantly in imports.
var defaultDisposableDomains = []string{
	"0-mail.com",
	"10minutemail.com",
	"10minutemail.net",
	"20minutemail.com",
	"33mail.com",
	"anonbox.net",
	"burnermail.io",
	"byom.de",
	"dispostable.com",
	"emailondeck.com",
	"fakeinbox.com",
	"getairmail.com",
	"getnada.com",
	"guerrillamail.com",
	"guerrillamail.net",
	"guerrillamail.org",
	"harakirimail.com",
	"inboxkitten.com",
	"jetable.org",
	"mail-temp.com",
	"mailcatch.com",
	"maildrop.cc",
	"mailinator.com",
	"mailinator.net",
	"mailnesia.com",
	"mailsac.com",
	"mintemail.com",
	"mohmal.com",
	"mytemp.email",
	"nada.email",
	"sharklasers.com",
	"spam4.me",
	"spamgourmet.com",
	"tempail.com",
	"tempmail.com",
	"tempmail.net",
	"temp-mail.org",
	"tempmailo.com",
	"throwawaymail.com",
	"trash-mail.com",
	"trashmail.com",
	"yopmail.com",
	"yopmail.fr",
	"yopmail.net",
}
