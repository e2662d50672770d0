/*
Package vitalq documents the vitalq module.

This module is CLI-first and ships the vitalq command:

	go install github.com/webqx/vitalq/cmd/vitalq@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package vitalq
