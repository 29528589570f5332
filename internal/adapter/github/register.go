package github

import "github.com/Strob0t/botleague/internal/port/gitprovider"

func init() {
	gitprovider.Register(providerName, func(cfg gitprovider.Config) (gitprovider.Provider, error) {
		return newProvider(cfg.Hostname, cfg.Token), nil
	})
}
