//----------------------------------------------------------------------
// This file is part of wificlock.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wificlock is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wificlock is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Field errors name the offending
// field and the failed rule.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldName(fe), ruleName(fe)))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return validateAddressing(&cfg.WiFi)
}

// static addressing needs the gateway inside the configured network
func validateAddressing(w *WiFiConfig) error {
	if w.Address == "" {
		if w.Gateway != "" || w.DNS != "" {
			return errors.New("wifi: gateway and dns need a static address")
		}
		return nil
	}
	prefix, err := netip.ParsePrefix(w.Address)
	if err != nil {
		return fmt.Errorf("wifi.address: %w", err)
	}
	if w.Gateway != "" {
		gw, err := netip.ParseAddr(w.Gateway)
		if err != nil {
			return fmt.Errorf("wifi.gateway: %w", err)
		}
		if !prefix.Masked().Contains(gw) {
			return fmt.Errorf("wifi.gateway %s is outside %s", gw, prefix.Masked())
		}
	}
	return nil
}

// dotted lower-case path of a field without the root type
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

func ruleName(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}
